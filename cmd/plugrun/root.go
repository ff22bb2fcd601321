package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plugbox/wasm-host/manifest"
	"github.com/plugbox/wasm-host/runtime"
)

type rootOptions struct {
	manifestPath string
	wasmPath     string
	allowedHosts []string
	configKVs    []string
	timeoutMS    uint64
	verbose      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "plugrun",
		Short:         "Run WASM plugins from a manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.verbose {
				log, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				runtime.SetLogger(log)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.manifestPath, "manifest", "m", "", "manifest file (json or yaml)")
	pf.StringVarP(&opts.wasmPath, "wasm", "w", "", "wasm file (shorthand for a single-source manifest)")
	pf.StringSliceVar(&opts.allowedHosts, "allow-host", nil, "host pattern the plugin may reach over HTTP (repeatable)")
	pf.StringSliceVar(&opts.configKVs, "config", nil, "plugin config entry KEY=VALUE (repeatable)")
	pf.Uint64Var(&opts.timeoutMS, "timeout-ms", 0, "per-call timeout in milliseconds (0 = unlimited)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log runtime diagnostics")

	cmd.AddCommand(newCallCmd(opts))
	cmd.AddCommand(newInspectCmd(opts))
	cmd.AddCommand(newInteractiveCmd(opts))
	return cmd
}

func (o *rootOptions) loadManifest() (*manifest.Manifest, error) {
	var m *manifest.Manifest
	switch {
	case o.manifestPath != "":
		data, err := os.ReadFile(o.manifestPath)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(o.manifestPath)) {
		case ".yaml", ".yml":
			m, err = manifest.ParseYAML(data)
		default:
			m, err = manifest.ParseJSON(data)
		}
		if err != nil {
			return nil, err
		}

	case o.wasmPath != "":
		m = &manifest.Manifest{
			Wasm: []manifest.WasmSource{{Path: o.wasmPath, Name: filepath.Base(o.wasmPath)}},
		}

	default:
		return nil, fmt.Errorf("either --manifest or --wasm is required")
	}

	if len(o.allowedHosts) > 0 {
		m.AllowedHosts = append(m.AllowedHosts, o.allowedHosts...)
	}
	if o.timeoutMS > 0 {
		m.TimeoutMS = o.timeoutMS
	}
	for _, kv := range o.configKVs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("config entry %q is not KEY=VALUE", kv)
		}
		if m.Config == nil {
			m.Config = make(map[string]string)
		}
		m.Config[k] = v
	}
	return m, nil
}

func (o *rootOptions) newInstance(ctx context.Context) (*runtime.Runtime, *runtime.Instance, error) {
	m, err := o.loadManifest()
	if err != nil {
		return nil, nil, err
	}
	rt := runtime.New(runtime.Options{Log: runtime.Logger()})
	inst, err := rt.NewInstance(ctx, m)
	if err != nil {
		rt.Close(ctx)
		return nil, nil, err
	}
	return rt, inst, nil
}
