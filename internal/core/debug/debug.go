package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
)

// StartPprofServer starts the standard pprof HTTP endpoint on localhost
// unconditionally (callers check whether it is enabled), mirroring
// archon's debug.StartUtilities but taking its
// dependencies as parameters instead of reading them from a package-level
// viper global.
func StartPprofServer(logger *logrus.Logger, port int) {
	addr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", addr)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Warnf("pprof server exited: %s", err)
		}
	}()
}
