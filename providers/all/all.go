// Package all registers every built-in provider adapter. Import it for
// side effects from binaries and integration tests:
//
//	import _ "github.com/terradev/terradev/providers/all"
package all

import (
	_ "github.com/terradev/terradev/providers/aws"
	_ "github.com/terradev/terradev/providers/azure"
	_ "github.com/terradev/terradev/providers/baseten"
	_ "github.com/terradev/terradev/providers/coreweave"
	_ "github.com/terradev/terradev/providers/crusoe"
	_ "github.com/terradev/terradev/providers/demo"
	_ "github.com/terradev/terradev/providers/digitalocean"
	_ "github.com/terradev/terradev/providers/gcp"
	_ "github.com/terradev/terradev/providers/huggingface"
	_ "github.com/terradev/terradev/providers/hyperstack"
	_ "github.com/terradev/terradev/providers/lambdalabs"
	_ "github.com/terradev/terradev/providers/oracle"
	_ "github.com/terradev/terradev/providers/runpod"
	_ "github.com/terradev/terradev/providers/tensordock"
	_ "github.com/terradev/terradev/providers/vastai"
)
