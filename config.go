package wsrpc

import (
	"os"
	"runtime"
	"strconv"
)

const LogLevelEnv = "WSRPC_LOG_LEVEL"
const PoolSizeEnv = "WSRPC_POOL_SIZE"

func PoolSizeFromEnv() int {
	if raw := os.Getenv(PoolSizeEnv); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
		log.Warningf("ignoring invalid %s value %q", PoolSizeEnv, raw)
	}
	return runtime.NumCPU()
}
