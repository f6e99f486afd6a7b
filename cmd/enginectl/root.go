package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SyedDaiam9101/enginebind/internal/bootstrap"
	"github.com/SyedDaiam9101/enginebind/internal/config"
	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/logging"
	"github.com/SyedDaiam9101/enginebind/internal/provider/native"
	"github.com/SyedDaiam9101/enginebind/internal/resolver"
)

var version = "dev"

type cli struct {
	out, errOut io.Writer
	log         zerolog.Logger

	logLevel   string
	envFile    string
	configFile string
	asJSON     bool
	backend    config.BackendConfig
}

func buildRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut, log: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "enginectl",
		Short:         "Inspect how the inference engine backend resolves and loads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", c.envFile, err)
			}
			c.log = logging.New(c.logLevel, "console", c.errOut)
			return c.applyConfigFile(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level: debug|info|warn|error|off")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Environment file loaded before resolving (missing is fine)")
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Server config file whose backend section seeds the flags")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "Print JSON")

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which artifact the resolver picks and every path it searched",
		Example: "  ENGINEBIND_LIB_LOCATION=./build enginectl resolve\n" +
			"  enginectl resolve --location ./build --profile Debug --link dynamic",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, _, err := c.resolve("")
			if err != nil {
				return err
			}
			return c.printLocation(loc)
		},
	}
	c.resolverFlags(resolveCmd)

	cgoCmd := &cobra.Command{
		Use:     "cgo-flags",
		Short:   "Print CGO_LDFLAGS that link the resolved static archive",
		Example: "  CGO_LDFLAGS=\"$(enginectl cgo-flags --location ./build)\" go build -tags enginebind_static ./cmd/server",
		RunE: func(cmd *cobra.Command, args []string) error {
			link := resolver.Link(c.backend.Link)
			if c.backend.Link == "" || link == resolver.LinkAuto {
				link = resolver.LinkStatic
			}
			loc, r, err := c.resolve(link)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, resolver.CgoFlags(r.Platform(), loc))
			return err
		},
	}
	c.resolverFlags(cgoCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Resolve, load and commit a backend, then report its capabilities",
		Example: "  enginectl verify --dylib ./lib/libenginebind.so\n" +
			"  enginectl verify --variant dynamic --abi onnxruntime --location /opt/onnxruntime\n" +
			"  enginectl verify --variant alternative --engine wasm --wasm-path engine.wasm",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := bootstrap.NewRegistry()
			info, err := bootstrap.Init(reg).WithConfig(c.backend).WithLogger(c.log).Commit(cmd.Context())
			if err != nil {
				return err
			}
			v, err := reg.APIVersion()
			if err != nil {
				return err
			}
			return c.printBackend(info, v)
		},
	}
	c.resolverFlags(verifyCmd)
	verifyCmd.Flags().StringVar(&c.backend.Variant, "variant", config.VariantAuto, "Backend variant: auto|static|dynamic|alternative")
	verifyCmd.Flags().StringVar(&c.backend.ABI, "abi", config.ABIEnginebind, "ABI of a dynamic library: enginebind|onnxruntime")
	verifyCmd.Flags().StringVar(&c.backend.Engine, "engine", config.EngineGo, "Alternative engine: go|wasm")
	verifyCmd.Flags().StringVar(&c.backend.WasmPath, "wasm-path", "", "WebAssembly engine module")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]any{
				"version":      version,
				"abi_version":  engine.ABIVersion,
				"static_built": native.StaticBuilt(),
				"platform":     runtime.GOOS + "/" + runtime.GOARCH,
			}
			if c.asJSON {
				return json.NewEncoder(c.out).Encode(info)
			}
			_, err := fmt.Fprintf(c.out, "enginectl %s (abi %d, static %v, %s)\n",
				version, engine.ABIVersion, native.StaticBuilt(), info["platform"])
			return err
		},
	}

	root.AddCommand(resolveCmd, cgoCmd, verifyCmd, versionCmd)
	return root
}

// applyConfigFile copies the config file's backend section into every backend flag
// the command line left unset.
func (c *cli) applyConfigFile(cmd *cobra.Command) error {
	if c.configFile == "" {
		return nil
	}
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.configFile, err)
	}
	from := cfg.Backend
	fields := map[string][2]*string{
		"dylib":     {&c.backend.DylibPath, &from.DylibPath},
		"location":  {&c.backend.LibLocation, &from.LibLocation},
		"profile":   {&c.backend.Profile, &from.Profile},
		"link":      {&c.backend.Link, &from.Link},
		"name":      {&c.backend.LibName, &from.LibName},
		"variant":   {&c.backend.Variant, &from.Variant},
		"abi":       {&c.backend.ABI, &from.ABI},
		"engine":    {&c.backend.Engine, &from.Engine},
		"wasm-path": {&c.backend.WasmPath, &from.WasmPath},
	}
	for flag, f := range fields {
		if fl := cmd.Flags().Lookup(flag); fl != nil && !fl.Changed {
			*f[0] = *f[1]
		}
	}
	c.backend.Threads = from.Threads
	c.backend.ExecutionProviders = from.ExecutionProviders
	c.log.Debug().Str("config", c.configFile).Msg("backend defaults loaded from config file")
	return nil
}

func (c *cli) resolverFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.backend.DylibPath, "dylib", "", "Dynamic library path; overrides "+resolver.EnvDylibPath)
	f.StringVar(&c.backend.LibLocation, "location", "", "Build output directory; overrides "+resolver.EnvLibLocation)
	f.StringVar(&c.backend.Profile, "profile", "", "Build profile; overrides "+resolver.EnvLibProfile+" and disables the profile search")
	f.StringVar(&c.backend.Link, "link", "", "Artifact kind to accept: auto|static|dynamic")
	f.StringVar(&c.backend.LibName, "name", "", "Library base name (default "+resolver.DefaultLibName+")")
}

func (c *cli) resolve(override resolver.Link) (resolver.ArtifactLocation, *resolver.Resolver, error) {
	link, err := resolver.ParseLink(c.backend.Link)
	if err != nil {
		return resolver.ArtifactLocation{}, nil, err
	}
	if override != "" {
		link = override
	}
	req := resolver.Request{
		DylibPath: c.backend.DylibPath,
		Location:  c.backend.LibLocation,
		Link:      link,
		Name:      c.backend.LibName,
		Env:       resolver.EnvFromOS(),
	}
	if c.backend.Profile != "" {
		req.Profile = resolver.ParseProfile(c.backend.Profile)
	}
	r := resolver.New(resolver.WithLogger(c.log))
	loc, err := r.Resolve(req)
	return loc, r, err
}

func (c *cli) printLocation(loc resolver.ArtifactLocation) error {
	if c.asJSON {
		return json.NewEncoder(c.out).Encode(map[string]any{
			"kind":     loc.Kind,
			"path":     loc.Path,
			"dir":      loc.Dir,
			"name":     loc.Name,
			"profile":  loc.Profile,
			"source":   loc.Source,
			"searched": loc.Searched,
		})
	}
	w := c.out
	fmt.Fprintf(w, "kind:     %s\n", loc.Kind)
	fmt.Fprintf(w, "path:     %s\n", loc.Path)
	fmt.Fprintf(w, "source:   %s\n", loc.Source)
	if loc.Profile != "" {
		fmt.Fprintf(w, "profile:  %s\n", loc.Profile)
	}
	_, err := fmt.Fprintf(w, "searched: %s\n", strings.Join(loc.Searched, "\n          "))
	return err
}

func (c *cli) printBackend(info engine.BackendInfo, apiVersion uint32) error {
	if c.asJSON {
		return json.NewEncoder(c.out).Encode(map[string]any{
			"name":        info.Name,
			"variant":     info.Variant,
			"path":        info.Path,
			"version":     info.Version,
			"api_version": apiVersion,
			"unsupported": info.UnsupportedNames(),
		})
	}
	w := c.out
	fmt.Fprintf(w, "backend:     %s (%s)\n", info.Name, info.Variant)
	if info.Path != "" {
		fmt.Fprintf(w, "path:        %s\n", info.Path)
	}
	fmt.Fprintf(w, "api version: %d\n", apiVersion)
	unsupported := "none"
	if names := info.UnsupportedNames(); len(names) > 0 {
		unsupported = strings.Join(names, ", ")
	}
	_, err := fmt.Fprintf(w, "unsupported: %s\n", unsupported)
	return err
}
