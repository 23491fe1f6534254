package wsrpc

import "github.com/blang/semver"

var CURRENT_VERSION = semver.MustParse("1.2.0")

//	sent by clients on the upgrade request, logged by servers
const VersionHeader = "X-Wsrpc-Version"
