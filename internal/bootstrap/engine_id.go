package bootstrap

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// defaultEngineID hostname-pid-随机串, 同一台机器多个进程不冲突
func defaultEngineID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
