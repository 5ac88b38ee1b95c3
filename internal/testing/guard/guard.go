// Package guard switches the process into test mode when imported from tests,
// so binaries and routers skip side effects such as request logging.
package guard

import (
	"os"
	"sync"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var once sync.Once

func init() {
	Enable()
}

// Enable sets the test-mode flag unless the caller already chose a value.
func Enable() {
	once.Do(func() {
		if _, ok := os.LookupEnv(testModeEnv); !ok {
			_ = os.Setenv(testModeEnv, "1")
		}
	})
}
