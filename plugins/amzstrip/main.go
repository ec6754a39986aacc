// Command amzstrip builds the X-Amz-Algorithm stripper as a loadable plugin:
//
//	go build -buildmode=plugin -o amzstrip.so ./plugins/amzstrip
//
// and is configured with {"path": "amzstrip.so", "name": "GetPlugin"}.
package main

import (
	"linkscrub/pkg/amzstrip"
	"linkscrub/pkg/linkplugin"
)

// GetPlugin returns a new instance of the stripper plugin.
// This is the standard plugin export function that linkscrub looks for.
func GetPlugin() linkplugin.Plugin {
	return amzstrip.NewPlugin()
}

func main() {}
