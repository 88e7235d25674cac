package plugin

import (
	"errors"
	"fmt"

	"github.com/snowmerak/bundlehook/lib/hook"
)

// CodecEnv names the environment variable through which a host tells a forked
// plugin which codec to speak.
const CodecEnv = "BUNDLEHOOK_CODEC"

// Protocol message names besides the hook names.
const (
	messageReady       = "ready"
	messageShutdown    = "shutdown"
	messageShutdownAck = "shutdown_ack"

	NotifyInfo    = "info"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

// pluginOrigin marks sequence numbers chosen by the plugin side so they
// never collide with request sequences chosen by the host.
const pluginOrigin = uint32(1) << 31

var (
	// ErrLoaderClosed is returned for calls on a closed or exited plugin.
	ErrLoaderClosed = errors.New("plugin loader is closed")
	// ErrNotReady is returned when the plugin never announced itself.
	ErrNotReady = errors.New("plugin did not become ready")
)

// RemoteError is a failure reported by the plugin for one request.
type RemoteError struct {
	Plugin  string
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Name, e.Message)
}

// ReadyInfo is announced by a plugin once it accepts requests.
type ReadyInfo struct {
	Name  string   `json:"name"`
	Hooks []string `json:"hooks"`
}

// HookSet validates the announced hook names.
func (r ReadyInfo) HookSet() (hook.HookSet, error) {
	var set hook.HookSet
	for _, name := range r.Hooks {
		h := hook.HookName(name)
		if !hook.NewHookSet(h).Has(h) {
			return 0, fmt.Errorf("plugin %q announced unknown hook %q", r.Name, name)
		}
		set |= hook.NewHookSet(h)
	}
	return set, nil
}

func readyInfoOf(p hook.PluginOptions) ReadyInfo {
	names := p.Capabilities().Names()
	hooks := make([]string, len(names))
	for i, n := range names {
		hooks[i] = string(n)
	}
	return ReadyInfo{Name: p.Name, Hooks: hooks}
}

// Argument records sent with each hook request.
type (
	BuildStartArgs struct{}

	ResolveIDArgs struct {
		Specifier string                    `json:"specifier"`
		Importer  *string                   `json:"importer,omitempty"`
		Options   hook.ResolveIDArgsOptions `json:"options"`
	}

	LoadArgs struct {
		ID string `json:"id"`
	}

	TransformArgs struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}

	BuildEndArgs struct {
		Error string `json:"error"`
	}

	RenderChunkArgs struct {
		Code  string             `json:"code"`
		Chunk hook.RenderedChunk `json:"chunk"`
	}

	GenerateBundleArgs struct {
		Bundle  hook.Outputs `json:"bundle"`
		IsWrite bool         `json:"isWrite"`
	}

	WriteBundleArgs struct {
		Bundle hook.Outputs `json:"bundle"`
	}
)
