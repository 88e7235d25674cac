package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snowmerak/bundlehook/lib/engine"
	"github.com/snowmerak/bundlehook/lib/host"
)

func newInspectCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "List plugins and the hooks they implement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, opts, func(_ context.Context, h *host.Host) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PLUGIN\tHOOKS")
				for _, p := range h.Driver().Plugins() {
					hooks := p.Hooks.String()
					if hooks == "" {
						hooks = "-"
					}
					fmt.Fprintf(w, "%s\t%s\n", p.Name, hooks)
				}
				return w.Flush()
			})
		},
	}
}

func newResolveCommand(opts *globalOptions) *cobra.Command {
	var (
		importer string
		isEntry  bool
		kind     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <specifier>",
		Short: "Run resolveId for a specifier",
		Example: `  hookctl resolve @app/store --importer /src/main.js
  hookctl resolve ./main.js --entry --kind entry-point`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			importKind, err := engine.ParseImportKind(kind)
			if err != nil {
				return err
			}
			var importerPtr *string
			if cmd.Flags().Changed("importer") {
				importerPtr = &importer
			}

			return withBuild(cmd, opts, func(ctx context.Context, h *host.Host) error {
				rec, err := h.ResolveID(ctx, args[0], importerPtr, engine.HookResolveIDArgsOptions{IsEntry: isEntry, Kind: importKind})
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "unresolved")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s external=%t\n", rec.ID, rec.External)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&importer, "importer", "", "module id of the importing module")
	cmd.Flags().BoolVar(&isEntry, "entry", false, "resolve as an entry point")
	cmd.Flags().StringVar(&kind, "kind", engine.ImportKindImport.String(), "import kind label")
	return cmd
}

func newLoadCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <id>",
		Short: "Run load hooks for a module id, falling back to the file on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, opts, func(ctx context.Context, h *host.Host) error {
				src, err := loadModule(ctx, h, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), src.Code)
				return nil
			})
		},
	}
}

func newTransformCommand(opts *globalOptions) *cobra.Command {
	var showMaps bool

	cmd := &cobra.Command{
		Use:   "transform <file>",
		Short: "Load a module and run it through every transform hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, opts, func(ctx context.Context, h *host.Host) error {
				src, err := loadModule(ctx, h, args[0])
				if err != nil {
					return err
				}

				code, maps, err := h.Driver().Transform(ctx, src.ID, src.Code)
				if err != nil {
					return err
				}
				src.Apply(engine.HookLoadOutput{Code: code})
				src.Maps = append(src.Maps, maps...)

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, src.Code)
				if showMaps {
					for _, m := range src.Maps {
						data, err := json.Marshal(m)
						if err != nil {
							return err
						}
						fmt.Fprintln(out, string(data))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showMaps, "maps", false, "print the source maps produced along the way")
	return cmd
}

// loadModule asks the load hooks for id and reads it from disk when every
// plugin declines.
func loadModule(ctx context.Context, h *host.Host, id string) (*engine.ModuleSource, error) {
	src := &engine.ModuleSource{ID: id}

	out, err := h.Driver().Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if out != nil {
		src.Apply(*out)
		return src, nil
	}

	data, err := os.ReadFile(id)
	if err != nil {
		return nil, fmt.Errorf("no plugin loaded %s: %w", id, err)
	}
	src.Code = string(data)
	return src, nil
}

func newBuildCommand(opts *globalOptions) *cobra.Command {
	var (
		outDir   string
		fileName string
	)

	cmd := &cobra.Command{
		Use:   "build <entry>",
		Short: "Run every stage for a single entry module and emit it as one chunk",
		Long: `build resolves the entry, loads and transforms it, renders it as a single
chunk and runs generateBundle. With --out-dir the chunk is written to disk and
writeBundle runs afterwards; otherwise the code goes to stdout.

Imports inside the entry are not followed. The chunk carries the last source
map produced along the way (the final transform's, or load's when no transform
returned one); earlier maps are not composed into it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, opts, func(ctx context.Context, h *host.Host) error {
				rec, err := h.ResolveID(ctx, args[0], nil, engine.HookResolveIDArgsOptions{IsEntry: true, Kind: engine.ImportKindEntryPoint})
				if err != nil {
					return err
				}
				id := args[0]
				if rec != nil {
					if rec.External {
						return fmt.Errorf("entry %s resolved as external", args[0])
					}
					id = rec.ID
				}

				src, err := loadModule(ctx, h, id)
				if err != nil {
					return err
				}
				code, maps, err := h.Driver().Transform(ctx, src.ID, src.Code)
				if err != nil {
					return err
				}
				src.Apply(engine.HookLoadOutput{Code: code})
				src.Maps = append(src.Maps, maps...)

				name := fileName
				if name == "" {
					name = strings.TrimSuffix(filepath.Base(strings.TrimPrefix(id, "\x00")), filepath.Ext(id)) + ".js"
				}
				chunk := singleChunk(src, name)

				rendered, err := h.Driver().RenderChunk(ctx, src.Code, chunk)
				if err != nil {
					return err
				}
				out := engine.OutputChunk{RenderedChunk: chunk, Code: rendered}
				if n := len(src.Maps); n > 0 {
					out.Map = src.Maps[n-1]
				}
				bundle := engine.Outputs{Chunks: []engine.OutputChunk{out}}

				if err := h.Driver().GenerateBundle(ctx, bundle, outDir != ""); err != nil {
					return err
				}
				if outDir == "" {
					fmt.Fprintln(cmd.OutOrStdout(), rendered)
					return nil
				}

				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(outDir, name), []byte(rendered), 0o644); err != nil {
					return err
				}
				return h.Driver().WriteBundle(ctx, bundle)
			})
		},
	}

	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "write the chunk here instead of stdout")
	cmd.Flags().StringVar(&fileName, "file-name", "", "chunk file name (default: entry base name with .js)")
	return cmd
}

func singleChunk(src *engine.ModuleSource, fileName string) engine.RenderedChunk {
	id := src.ID
	code := src.Code
	return engine.RenderedChunk{
		PreRenderedChunk: engine.PreRenderedChunk{
			IsEntry:        true,
			FacadeModuleID: &id,
			ModuleIDs:      []string{id},
			Exports:        []string{},
		},
		FileName: fileName,
		Modules: map[string]engine.RenderedModule{
			id: {Code: &code, RenderedLength: len(code)},
		},
	}
}
