package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/bundlehook/lib/codec"
	"github.com/snowmerak/bundlehook/lib/engine"
	"github.com/snowmerak/bundlehook/lib/hook"
	"github.com/snowmerak/bundlehook/lib/multiplexer"
	"github.com/snowmerak/bundlehook/lib/process"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// virtualPlugin serves modules under the "virtual:" prefix and stamps
// transformed and rendered code.
func virtualPlugin() hook.PluginOptions {
	return hook.PluginOptions{
		Name: "virtual",
		ResolveID: func(_ context.Context, specifier string, importer *string, opts hook.ResolveIDArgsOptions) (*hook.ResolveIDResult, error) {
			if !strings.HasPrefix(specifier, "virtual:") {
				return nil, nil
			}
			external := opts.Kind == "dynamic-import"
			return &hook.ResolveIDResult{ID: "\x00" + specifier, External: &external}, nil
		},
		Load: func(_ context.Context, id string) (*hook.SourceResult, error) {
			switch {
			case id == "\x00virtual:missing":
				return nil, errors.New("ENOENT")
			case id == "\x00virtual:panic":
				panic("boom")
			case strings.HasPrefix(id, "\x00virtual:"):
				return &hook.SourceResult{
					Code: "export default " + fmt.Sprintf("%q", strings.TrimPrefix(id, "\x00virtual:")),
					Map:  &hook.SourceMap{Mappings: "AAAA", Sources: []string{id}, Names: []string{}},
				}, nil
			}
			return nil, nil
		},
		Transform: func(_ context.Context, id, code string) (*hook.SourceResult, error) {
			return &hook.SourceResult{Code: code + "\n// " + id}, nil
		},
		RenderChunk: func(_ context.Context, code string, chunk hook.RenderedChunk) (*hook.RenderChunkOutput, error) {
			return &hook.RenderChunkOutput{Code: "/* " + chunk.FileName + " */\n" + code}, nil
		},
	}
}

type remote struct {
	loader *Loader
	module *Module
	done   chan error
	logs   *syncBuffer
}

// connect serves p through a Module on one end of a pipe pair and loads it
// through a Loader on the other.
func connect(t *testing.T, p hook.PluginOptions, c codec.Codec) *remote {
	t.Helper()

	hostR, pluginW := io.Pipe()
	pluginR, hostW := io.Pipe()

	m, err := New(p, ModuleOptions{Reader: pluginR, Writer: pluginW, Codec: c})
	require.NoError(t, err)

	r := &remote{module: m, done: make(chan error, 1), logs: &syncBuffer{}}
	go func() {
		r.done <- m.Listen(context.Background())
		pluginW.Close()
	}()

	r.loader = NewLoader(&CustomProvider{Reader: hostR, Writer: hostW}, LoaderOptions{
		Codec:  c,
		Logger: zerolog.New(r.logs),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.loader.Load(ctx))
	t.Cleanup(func() { r.loader.Close() })
	return r
}

// fakePlugin speaks the wire protocol directly so tests can send responses
// a Module never would.
func fakePlugin(t *testing.T, info *ReadyInfo, respond func(seq uint32, h Header) *Header) *Loader {
	t.Helper()

	hostR, pluginW := io.Pipe()
	pluginR, hostW := io.Pipe()
	node := multiplexer.NewNode(pluginR, pluginW)

	go func() {
		defer pluginW.Close()
		ctx := context.Background()
		if info != nil {
			payload, _ := codec.JSON.Marshal(info)
			data, _ := (&Header{Name: messageReady, MessageType: MessageTypeNotify, Payload: payload}).MarshalBinary()
			if err := node.WriteMessageWithSequence(ctx, pluginOrigin|1, data); err != nil {
				return
			}
		}
		recv, err := node.ReadMessage(ctx)
		if err != nil {
			return
		}
		for mesg := range recv {
			var h Header
			if h.UnmarshalBinary(mesg.Data) != nil {
				continue
			}
			if h.Name == messageShutdown {
				return
			}
			reply := respond(mesg.ID, h)
			if reply == nil {
				return
			}
			data, _ := reply.MarshalBinary()
			if node.WriteMessageWithSequence(ctx, mesg.ID, data) != nil {
				return
			}
		}
	}()

	l := NewLoader(&CustomProvider{Reader: hostR, Writer: hostW}, LoaderOptions{ReadyTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { l.Close() })
	return l
}

func codecs() []codec.Codec {
	return []codec.Codec{codec.JSON, codec.Protobuf}
}

func TestRemotePlugin_MatchesInProcess(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			r := connect(t, virtualPlugin(), c)

			local := hook.NewDriver(hook.WithBuildID("local"))
			require.NoError(t, local.Register(virtualPlugin()))
			remote := hook.NewDriver(hook.WithBuildID("remote"))
			require.NoError(t, remote.Register(r.loader.Plugin()))

			ctx := context.Background()
			importer := "/src/main.js"

			for _, kind := range []engine.ImportKind{engine.ImportKindImport, engine.ImportKindDynamicImport} {
				opts := engine.HookResolveIDArgsOptions{Kind: kind}
				want, err := local.ResolveID(ctx, "virtual:config", &importer, opts)
				require.NoError(t, err)
				got, err := remote.ResolveID(ctx, "virtual:config", &importer, opts)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			declined, err := remote.ResolveID(ctx, "./util", &importer, engine.HookResolveIDArgsOptions{Kind: engine.ImportKindImport})
			require.NoError(t, err)
			assert.Nil(t, declined)

			wantLoad, err := local.Load(ctx, "\x00virtual:config")
			require.NoError(t, err)
			gotLoad, err := remote.Load(ctx, "\x00virtual:config")
			require.NoError(t, err)
			assert.Equal(t, wantLoad, gotLoad)

			wantCode, wantMaps, err := local.Transform(ctx, "/src/a.js", "let a = 1")
			require.NoError(t, err)
			gotCode, gotMaps, err := remote.Transform(ctx, "/src/a.js", "let a = 1")
			require.NoError(t, err)
			assert.Equal(t, wantCode, gotCode)
			assert.Equal(t, wantMaps, gotMaps)

			chunk := engine.RenderedChunk{
				PreRenderedChunk: engine.PreRenderedChunk{IsEntry: true, ModuleIDs: []string{"/src/a.js"}, Exports: []string{"default"}},
				FileName:         "main.js",
			}
			wantChunk, err := local.RenderChunk(ctx, "console.log(1)", chunk)
			require.NoError(t, err)
			gotChunk, err := remote.RenderChunk(ctx, "console.log(1)", chunk)
			require.NoError(t, err)
			assert.Equal(t, wantChunk, gotChunk)
		})
	}
}

func TestRemotePlugin_AnnouncesNameAndHooks(t *testing.T) {
	r := connect(t, virtualPlugin(), codec.JSON)

	info := r.loader.Info()
	assert.Equal(t, "virtual", info.Name)
	assert.Equal(t, []string{"resolveId", "load", "transform", "renderChunk"}, info.Hooks)

	p := r.loader.Plugin()
	assert.Equal(t, "virtual", p.Name)
	assert.Equal(t, virtualPlugin().Capabilities(), p.Capabilities())
	assert.Nil(t, p.BuildStart)
	assert.Nil(t, p.WriteBundle)
	assert.NotEmpty(t, r.loader.ID())
	assert.True(t, r.loader.IsAlive())
	assert.Contains(t, r.logs.String(), "plugin ready")
}

func TestRemotePlugin_ErrorPropagates(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			r := connect(t, virtualPlugin(), c)
			d := hook.NewDriver()
			require.NoError(t, d.Register(r.loader.Plugin()))

			_, err := d.Load(context.Background(), "\x00virtual:missing")
			require.Error(t, err)
			assert.ErrorIs(t, err, hook.ErrHookInvocation)

			var remoteErr *RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, "load", remoteErr.Name)
			assert.Equal(t, "ENOENT", remoteErr.Message)
		})
	}
}

func TestRemotePlugin_PanicReportedAsError(t *testing.T) {
	r := connect(t, virtualPlugin(), codec.JSON)

	_, err := r.loader.Plugin().Load(context.Background(), "\x00virtual:panic")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "panic: boom", remoteErr.Message)

	// The module keeps serving after a panic.
	res, err := r.loader.Plugin().Load(context.Background(), "\x00virtual:ok")
	require.NoError(t, err)
	assert.Equal(t, `export default "ok"`, res.Code)
}

func TestRemotePlugin_MalformedResultIsSchemaViolation(t *testing.T) {
	l := fakePlugin(t, &ReadyInfo{Name: "sloppy", Hooks: []string{"load"}}, func(_ uint32, h Header) *Header {
		return &Header{Name: h.Name, MessageType: MessageTypeResponse, Payload: []byte(`{"code":42}`)}
	})
	require.NoError(t, l.Load(context.Background()))

	d := hook.NewDriver()
	require.NoError(t, d.Register(l.Plugin()))

	_, err := d.Load(context.Background(), "/src/a.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, hook.ErrSchemaViolation)

	var hookErr *hook.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "code", hookErr.Field)
	assert.Equal(t, "sloppy", hookErr.Plugin)
}

func TestRemotePlugin_UndecodableResultIsSchemaViolation(t *testing.T) {
	l := fakePlugin(t, &ReadyInfo{Name: "garbled", Hooks: []string{"transform"}}, func(_ uint32, h Header) *Header {
		return &Header{Name: h.Name, MessageType: MessageTypeResponse, Payload: []byte("{not json")}
	})
	require.NoError(t, l.Load(context.Background()))

	d := hook.NewDriver()
	require.NoError(t, d.Register(l.Plugin()))

	_, _, err := d.Transform(context.Background(), "/src/a.js", "x")
	assert.ErrorIs(t, err, hook.ErrSchemaViolation)
}

func TestLoader_UnknownHookAnnounced(t *testing.T) {
	l := fakePlugin(t, &ReadyInfo{Name: "odd", Hooks: []string{"load", "optimizeDeps"}}, nil)

	err := l.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), `"optimizeDeps"`)
}

func TestLoader_ReadyTimeout(t *testing.T) {
	l := fakePlugin(t, nil, func(uint32, Header) *Header { return nil })

	start := time.Now()
	err := l.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLoader_PluginExitFailsPendingCalls(t *testing.T) {
	l := fakePlugin(t, &ReadyInfo{Name: "crashy", Hooks: []string{"load"}}, func(uint32, Header) *Header {
		return nil
	})
	require.NoError(t, l.Load(context.Background()))

	_, err := l.Plugin().Load(context.Background(), "/src/a.js")
	assert.ErrorIs(t, err, ErrLoaderClosed)
	assert.Eventually(t, func() bool { return !l.IsAlive() }, time.Second, 10*time.Millisecond)

	_, err = l.Call(context.Background(), "load", nil)
	assert.ErrorIs(t, err, ErrLoaderClosed)
}

func TestLoader_CallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := hook.PluginOptions{
		Name: "slow",
		Load: func(ctx context.Context, id string) (*hook.SourceResult, error) {
			<-release
			return nil, nil
		},
	}
	r := connect(t, p, codec.JSON)
	r.loader.opts.CallTimeout = 50 * time.Millisecond

	_, err := r.loader.Plugin().Load(context.Background(), "/src/a.js")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoader_ConcurrentCalls(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			r := connect(t, virtualPlugin(), c)
			transform := r.loader.Plugin().Transform

			var wg sync.WaitGroup
			errs := make(chan error, 50)
			for i := range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id := fmt.Sprintf("/src/m%d.js", i)
					res, err := transform(context.Background(), id, "code")
					if err != nil {
						errs <- err
						return
					}
					if res.Code != "code\n// "+id {
						errs <- fmt.Errorf("%s: got %q", id, res.Code)
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestLoader_NotificationsAreLogged(t *testing.T) {
	r := connect(t, virtualPlugin(), codec.JSON)

	require.NoError(t, r.module.Notify(context.Background(), NotifyWarning, "option 'legacy' is deprecated"))
	require.NoError(t, r.module.Notify(context.Background(), NotifyInfo, "cache warmed"))

	assert.Eventually(t, func() bool {
		logs := r.logs.String()
		return strings.Contains(logs, `"level":"warn"`) &&
			strings.Contains(logs, "option 'legacy' is deprecated") &&
			strings.Contains(logs, "cache warmed")
	}, time.Second, 10*time.Millisecond)
}

func TestLoader_CloseShutsDownModule(t *testing.T) {
	r := connect(t, virtualPlugin(), codec.JSON)

	require.NoError(t, r.loader.Close())
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("module did not stop after shutdown")
	}

	assert.False(t, r.loader.IsAlive())
	_, err := r.loader.Call(context.Background(), "load", nil)
	assert.ErrorIs(t, err, ErrLoaderClosed)
	assert.NoError(t, r.loader.Close())
}

func TestLoader_CloseWaitsForInFlightCalls(t *testing.T) {
	started := make(chan struct{})
	p := hook.PluginOptions{
		Name: "deliberate",
		Transform: func(ctx context.Context, id, code string) (*hook.SourceResult, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return &hook.SourceResult{Code: code + ";"}, nil
		},
	}
	r := connect(t, p, codec.JSON)

	result := make(chan error, 1)
	go func() {
		res, err := r.loader.Plugin().Transform(context.Background(), "/a.js", "x")
		if err == nil && res.Code != "x;" {
			err = fmt.Errorf("unexpected code %q", res.Code)
		}
		result <- err
	}()

	<-started
	require.NoError(t, r.loader.Close())
	assert.NoError(t, <-result)
}

func TestLoader_LoadTwice(t *testing.T) {
	r := connect(t, virtualPlugin(), codec.JSON)
	assert.Error(t, r.loader.Load(context.Background()))
}

func TestLoader_LoadAfterClose(t *testing.T) {
	l := NewLoader(&CustomProvider{}, LoaderOptions{})
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Load(context.Background()), ErrLoaderClosed)
}

func TestLoader_CustomProviderNeedsBothEnds(t *testing.T) {
	l := NewLoader(&CustomProvider{Reader: strings.NewReader("")}, LoaderOptions{})
	assert.Error(t, l.Load(context.Background()))
}

func TestModule_UnimplementedHook(t *testing.T) {
	r := connect(t, hook.PluginOptions{Name: "tiny", BuildStart: func(context.Context) error { return nil }}, codec.JSON)

	_, err := r.loader.Call(context.Background(), "load", []byte(`{"id":"a"}`))
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "not implemented")
}

func TestModule_VoidHooksRoundTrip(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	p := hook.PluginOptions{
		Name:       "recorder",
		BuildStart: func(context.Context) error { record("buildStart"); return nil },
		BuildEnd: func(_ context.Context, errText string) error {
			record("buildEnd:" + errText)
			return nil
		},
		GenerateBundle: func(_ context.Context, bundle hook.Outputs, isWrite bool) error {
			record(fmt.Sprintf("generateBundle:%d:%t", len(bundle.Chunks), isWrite))
			return nil
		},
		WriteBundle: func(_ context.Context, bundle hook.Outputs) error {
			record("writeBundle:" + bundle.Assets[0].FileName)
			return nil
		},
	}

	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			events = nil
			r := connect(t, p, c)
			d := hook.NewDriver()
			require.NoError(t, d.Register(r.loader.Plugin()))

			ctx := context.Background()
			outputs := engine.Outputs{
				Chunks: []engine.OutputChunk{{RenderedChunk: engine.RenderedChunk{FileName: "main.js"}, Code: "x"}},
				Assets: []engine.OutputAsset{{FileName: "logo.svg", Source: []byte("<svg/>")}},
			}
			require.NoError(t, d.BuildStart(ctx))
			require.NoError(t, d.BuildEnd(ctx, errors.New("parse failed")))
			require.NoError(t, d.GenerateBundle(ctx, outputs, true))
			require.NoError(t, d.WriteBundle(ctx, outputs))

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{
				"buildStart",
				"buildEnd:parse failed",
				"generateBundle:1:true",
				"writeBundle:logo.svg",
			}, events)
		})
	}
}

func TestModule_NewRequiresName(t *testing.T) {
	_, err := New(hook.PluginOptions{}, ModuleOptions{Reader: strings.NewReader(""), Writer: io.Discard})
	assert.ErrorIs(t, err, hook.ErrInvalidRegistration)
}

func TestModule_CodecFromEnvironment(t *testing.T) {
	t.Setenv(CodecEnv, "protobuf")
	m, err := New(virtualPlugin(), ModuleOptions{Reader: strings.NewReader(""), Writer: io.Discard})
	require.NoError(t, err)
	assert.Equal(t, "protobuf", m.codec.Name())

	t.Setenv(CodecEnv, "yaml")
	_, err = New(virtualPlugin(), ModuleOptions{Reader: strings.NewReader(""), Writer: io.Discard})
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)
}

func TestModule_ListenEndsWithStream(t *testing.T) {
	hostR, pluginW := io.Pipe()
	pluginR, hostW := io.Pipe()
	go io.Copy(io.Discard, hostR)

	m, err := New(virtualPlugin(), ModuleOptions{Reader: pluginR, Writer: pluginW, Codec: codec.JSON})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Listen(context.Background()) }()

	hostW.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after EOF")
	}
}

func TestModule_ListenContextCancellation(t *testing.T) {
	hostR, pluginW := io.Pipe()
	pluginR, _ := io.Pipe()
	go io.Copy(io.Discard, hostR)

	m, err := New(virtualPlugin(), ModuleOptions{Reader: pluginR, Writer: pluginW, Codec: codec.JSON})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Listen(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestServeListener_SocketProvider(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "p.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeListener(ctx, ln, virtualPlugin(), ModuleOptions{Codec: codec.JSON}) }()

	for range 2 {
		l := NewLoader(&SocketProvider{Address: sock, DialTimeout: time.Second}, LoaderOptions{})
		require.NoError(t, l.Load(context.Background()))

		res, err := l.Plugin().Transform(context.Background(), "/a.js", "x")
		require.NoError(t, err)
		assert.Equal(t, "x\n// /a.js", res.Code)
		require.NoError(t, l.Close())
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeListener did not stop")
	}
}

func TestProcessLoader_ExitBeforeReady(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	logs := &syncBuffer{}
	l := NewProcessLoader(sh, process.Options{Args: []string{"-c", `echo "no protocol here" >&2; echo "$` + CodecEnv + `" >&2`}}, LoaderOptions{
		Codec:  codec.Protobuf,
		Logger: zerolog.New(logs),
	})
	defer l.Close()

	err = l.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "no protocol here") && strings.Contains(out, `"message":"protobuf"`)
	}, time.Second, 10*time.Millisecond)
}

func TestProcessLoader_FlushesTrailingStderr(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	logs := &syncBuffer{}
	l := NewProcessLoader(sh, process.Options{Args: []string{"-c", `printf 'fatal: config missing' >&2; exit 3`}}, LoaderOptions{
		Logger: zerolog.New(logs),
	})

	err = l.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, logs.String(), `"message":"fatal: config missing"`)
	assert.NoError(t, l.Close())
}
