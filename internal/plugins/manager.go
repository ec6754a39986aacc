package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"plugin"
	"strings"
	"sync"

	"linkscrub/internal/config"
	"linkscrub/internal/metrics"
	"linkscrub/pkg/amzstrip"
	"linkscrub/pkg/linkplugin"
)

// BuiltinPath is the pseudo path the compiled-in stripper is registered under.
const BuiltinPath = "builtin"

type LoadedPlugin struct {
	plugin linkplugin.Plugin
	path   string
	name   string
	args   string
}

func (lp *LoadedPlugin) key() string {
	return lp.path + "/" + lp.name
}

type handler struct {
	name string
	fn   linkplugin.LinkDetectedFunc
}

// registrar is the Host a plugin sees while it is plugged or unplugged.
// Chain entries are collected here and swapped into the manager in one step.
type registrar struct {
	logger *slog.Logger
	chain  []handler
}

func (r *registrar) ChainLinkDetected(name string, fn linkplugin.LinkDetectedFunc) {
	r.chain = append(r.chain, handler{name: name, fn: fn})
}

func (r *registrar) Logger() *slog.Logger {
	return r.logger
}

// Manager owns the loaded plugins and the link-discovered chain they build.
type Manager struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	plugins []*LoadedPlugin
	chain   []handler

	open func(path, name string) (linkplugin.Plugin, error)
}

// Compile-time interface check
var _ linkplugin.Host = (*Manager)(nil)

func New(logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		open:   openSharedObject,
	}, nil
}

// LoadPlugins plugs the built-in stripper and every configured plugin, in that
// order, and replaces the current chain. Previously loaded plugins are
// unplugged once the new set is in place.
func (m *Manager) LoadPlugins(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wanted []*LoadedPlugin
	if !cfg.DisableBuiltinStrip {
		wanted = append(wanted, &LoadedPlugin{
			plugin: amzstrip.NewPlugin(),
			path:   BuiltinPath,
			name:   amzstrip.Name,
			args:   strings.Join(cfg.StripParams, ","),
		})
	}

	for _, pluginConfig := range cfg.Plugins {
		p, err := m.open(pluginConfig.Path, pluginConfig.Name)
		if err != nil {
			return fmt.Errorf("failed to load plugin %s/%s: %w", pluginConfig.Path, pluginConfig.Name, err)
		}
		wanted = append(wanted, &LoadedPlugin{
			plugin: p,
			path:   pluginConfig.Path,
			name:   pluginConfig.Name,
			args:   pluginConfig.Args,
		})
	}

	host := &registrar{logger: m.logger}
	var plugged []*LoadedPlugin
	for _, lp := range wanted {
		if err := lp.plugin.Plug(host, lp.args); err != nil {
			if unplugErr := m.unplug(plugged); unplugErr != nil {
				m.logger.Error("Failed to unplug after plug error", "error", unplugErr)
			}
			return fmt.Errorf("failed to plug %s: %w", lp.key(), err)
		}
		plugged = append(plugged, lp)
		m.logger.Info("Loaded plugin", "path", lp.path, "name", lp.name)
	}

	previous := m.plugins
	m.plugins = plugged
	m.chain = host.chain

	if err := m.unplug(previous); err != nil {
		m.logger.Error("Failed to unplug previous plugins", "error", err)
	}
	return nil
}

// unplug unplugs in reverse plug order.
func (m *Manager) unplug(loaded []*LoadedPlugin) error {
	host := &registrar{logger: m.logger}
	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		if err := loaded[i].plugin.Unplug(host); err != nil {
			errs = append(errs, fmt.Errorf("unplug %s: %w", loaded[i].key(), err))
		}
	}
	return errors.Join(errs...)
}

// Close unplugs every plugin and empties the chain.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.unplug(m.plugins)
	m.plugins = nil
	m.chain = nil
	return err
}

func openSharedObject(path, name string) (linkplugin.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin file: %w", err)
	}

	symbol, err := p.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find symbol '%s' in plugin: %w", name, err)
	}

	return pluginFromSymbol(name, symbol)
}

func pluginFromSymbol(name string, symbol plugin.Symbol) (linkplugin.Plugin, error) {
	switch v := symbol.(type) {
	case func() linkplugin.Plugin:
		if p := v(); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("symbol '%s' returned a nil plugin", name)
	case *linkplugin.Plugin:
		if v != nil && *v != nil {
			return *v, nil
		}
		return nil, fmt.Errorf("symbol '%s' is a nil plugin", name)
	case linkplugin.Plugin:
		return v, nil
	}
	return nil, fmt.Errorf("symbol '%s' does not implement Plugin interface", name)
}

// ChainLinkDetected appends fn to the live chain.
func (m *Manager) ChainLinkDetected(name string, fn linkplugin.LinkDetectedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chain = append(m.chain, handler{name: name, fn: fn})
}

func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// LinkDetected runs link through the chain in order. It stops at, and
// returns false for, the first handler that rejects the link.
func (m *Manager) LinkDetected(ctx context.Context, link *linkplugin.Link) bool {
	m.mu.RLock()
	chain := m.chain
	m.mu.RUnlock()

	before := link.URL
	proceed := true
	for _, h := range chain {
		if !h.fn(ctx, link) {
			m.logger.Debug("Link rejected", "plugin", h.name, "url", link.URL)
			proceed = false
			break
		}
	}

	metrics.RecordLink(link.URL != before, !proceed)
	return proceed
}

func (m *Manager) GetPlugin(path, name string) *LoadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := path + "/" + name
	for _, lp := range m.plugins {
		if lp.key() == key {
			return lp
		}
	}
	return nil
}

// Chain returns the names of the chained handlers in call order.
func (m *Manager) Chain() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.chain))
	for _, h := range m.chain {
		names = append(names, h.name)
	}
	return names
}
