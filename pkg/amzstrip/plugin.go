package amzstrip

import (
	"context"
	"strings"

	"linkscrub/pkg/linkplugin"
)

// Name is the chain name the plugin registers under.
const Name = "amzstrip"

// Plugin hooks a Stripper into a host's link-discovered chain.
type Plugin struct {
	stripper *Stripper
}

// Compile-time interface check
var _ linkplugin.Plugin = (*Plugin)(nil)

// NewPlugin returns an unplugged stripper plugin.
func NewPlugin() *Plugin {
	return &Plugin{stripper: defaultStripper}
}

// Plug registers the stripper. args is an optional comma-separated list of
// extra parameter names to remove along with X-Amz-Algorithm.
func (p *Plugin) Plug(host linkplugin.Host, args string) error {
	p.stripper = defaultStripper
	if extra := splitArgs(args); len(extra) > 0 {
		p.stripper = New(extra...)
	}
	host.Logger().Info("Module plugged", "module", Name, "params", p.stripper.Params())
	host.ChainLinkDetected(Name, p.LinkDetected)
	return nil
}

// Unplug only reports the event; the host drops the chain entry itself.
func (p *Plugin) Unplug(host linkplugin.Host) error {
	host.Logger().Info("Module unplugged", "module", Name)
	return nil
}

// LinkDetected strips the link in place and always lets the host continue.
func (p *Plugin) LinkDetected(_ context.Context, link *linkplugin.Link) bool {
	link.URL = p.stripper.Strip(link.URL)
	return true
}

func splitArgs(args string) []string {
	var names []string
	for _, name := range strings.Split(args, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
