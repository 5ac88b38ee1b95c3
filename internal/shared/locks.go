package shared

import "fmt"

// ReorderAlertStream is the redis stream receiving reorder alerts.
const ReorderAlertStream = "ledger:reorder_alerts"

// ReorderAlertKey builds the redis key used to de-duplicate reorder alerts per scope.
func ReorderAlertKey(tenantID TenantID, productID, warehouseID int64) string {
	return fmt.Sprintf("ledger:reorder:%d:%d:%d", tenantID, productID, warehouseID)
}
