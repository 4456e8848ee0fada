// Package main implements the yankbank command-line tool for tracking yanked gems.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/server"
	"github.com/mirrorctl/yankbank/internal/yank"
)

const (
	defaultConfigPath = "/etc/yankbank/yankbank.toml"
	legacyConfigPath  = "~/.gem/.yoinkrc"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "yankbank",
	Short: "Track gems yanked from a RubyGems mirror",
	Long: `yankbank keeps a record of every gem a RubyGems mirror has ever served and
publishes the ones that have since disappeared as a legacy yanked-specs manifest.

Find more information at: https://github.com/mirrorctl/yankbank`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch the upstream index, merge it and export manifests",
	Long: `Fetches specs.4.8.gz from the configured mirror, merges it into the snapshot
store and writes the manifests when anything changed.

Usage:
  # Run one sync with the default configuration
  yankbank sync

  # Use a legacy YAML configuration
  yankbank sync --config ~/.gem/.yoinkrc

  # Compare without writing anything
  yankbank sync --dry-run

  # Write manifests even if nothing changed
  yankbank sync --force`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write manifests from the snapshot store without fetching",
	Args:  cobra.NoArgs,
	Run:   runExport,
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <name> <version> [platform]",
	Short: "Report whether a gem version is known and whether it is yanked",
	Long: `Looks up one identity in the snapshot store.

Examples:
  yankbank lookup rails 7.1.0
  yankbank lookup nokogiri 1.15.0 x86_64-linux`,
	Args: cobra.RangeArgs(2, 3),
	Run:  runLookup,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve lookups and metrics over HTTP",
	Args:  cobra.NoArgs,
	Run:   runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var tlsCheckCmd = &cobra.Command{
	Use:   "tls-check",
	Short: "Check TLS configuration and capabilities for the upstream mirror",
	Long: `Performs a detailed TLS handshake and certificate check against the configured mirror.

This command helps diagnose TLS connection issues by testing supported TLS versions,
negotiated cipher suites, and examining the certificate chain.`,
	Args: cobra.NoArgs,
	Run:  runTLSCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("yankbank %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tlsCheckCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path (default "+defaultConfigPath+", then "+legacyConfigPath+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("dry-run", false, "fetch and compare without writing to the store or sinks")
	syncCmd.Flags().Bool("force", false, "write manifests even if no gems changed")

	serveCmd.Flags().String("addr", ":9292", "listen address")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	var undecoded *yank.UndecodedKeysError
	if errors.As(err, &undecoded) {
		return formatUndecodedError(undecoded.Keys)
	}

	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

// legacyKeys maps top-level keys of the YAML layout to their TOML homes.
var legacyKeys = map[string]string{
	"redis": "store",
	"file":  "export.file",
	"s3":    "export.s3",
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	groups := make(map[string]int)

	for _, key := range undecoded {
		if len(key) == 0 {
			continue
		}
		if _, ok := legacyKeys[key[0]]; ok {
			groups[key[0]]++
			continue
		}
		unknown = append(unknown, key.String())
	}

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for _, root := range roots {
		corrected := legacyKeys[root]
		if count := groups[root]; count > 1 {
			suggestions = append(suggestions, fmt.Sprintf("Key '%s' should be '%s' (affects %d keys)", root, corrected, count))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Key '%s' should be '%s'", root, corrected))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration uses keys from the legacy .yoinkrc layout:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: name the file with a .yml extension to keep the legacy layout.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese keys don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// resolveConfigPath picks the explicit path, then the default location,
// then the legacy per-user file.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	if home, err := os.UserHomeDir(); err == nil {
		legacy := home + strings.TrimPrefix(legacyConfigPath, "~")
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}
	return defaultConfigPath
}

// loadConfig reads the configuration and applies log settings, exiting
// on failure.
func loadConfig(cmd *cobra.Command) *yank.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	path := resolveConfigPath()

	config, err := yank.LoadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", path)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		slog.Error("failed to load config file", "error", formatError(err, verboseErrors), "path", path)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	return config
}

func fail(cmd *cobra.Command, msg string, err error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, _ []string) {
	config := loadConfig(cmd)
	quiet, _ := cmd.Flags().GetBool("quiet")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")

	ctx, cancel := signalContext()
	defer cancel()

	report, err := yank.Run(ctx, config, quiet, yank.SyncOptions{DryRun: dryRun, Force: force})
	if err != nil {
		fail(cmd, "sync failed", err)
	}

	slog.Info("sync finished",
		"run_id", report.RunID,
		"snapshot", report.Snapshot,
		"changed", report.Merge.Changed,
		"current", report.Merge.Current,
		"yanked", report.Merge.Yanked,
		"newly_yanked", report.Merge.NewlyYanked,
		"exported", report.Exported)
}

func runExport(cmd *cobra.Command, _ []string) {
	config := loadConfig(cmd)
	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx, cancel := signalContext()
	defer cancel()

	p, err := yank.NewPipeline(config, quiet)
	if err != nil {
		fail(cmd, "failed to prepare export", err)
	}
	defer p.Close()

	if err := p.Export(ctx); err != nil {
		p.Close()
		fail(cmd, "export failed", err)
	}
}

func runLookup(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)
	platform := gem.DefaultPlatform
	if len(args) == 3 {
		platform = args[2]
	}
	id := gem.New(args[0], args[1], platform)

	st, err := yank.OpenStore(config)
	if err != nil {
		fail(cmd, "failed to open store", err)
	}
	defer st.Close()
	r := yank.NewReconciler(st)

	ctx, cancel := signalContext()
	defer cancel()

	exists, err := r.Exists(ctx, id)
	if err != nil {
		st.Close()
		fail(cmd, "lookup failed", err)
	}
	yanked, err := r.IsYanked(ctx, id)
	if err != nil {
		st.Close()
		fail(cmd, "lookup failed", err)
	}

	out, _ := json.MarshalIndent(map[string]any{
		"name":     id.Name(),
		"version":  id.Version(),
		"platform": id.Platform(),
		"exists":   exists,
		"yanked":   yanked,
	}, "", "  ")
	fmt.Println(string(out))
}

func runServe(cmd *cobra.Command, _ []string) {
	config := loadConfig(cmd)
	addr, _ := cmd.Flags().GetString("addr")

	st, err := yank.OpenStore(config)
	if err != nil {
		fail(cmd, "failed to open store", err)
	}
	defer st.Close()

	yank.RegisterMetrics()

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(yank.NewReconciler(st), addr, slog.Default())
	if err := srv.Start(ctx); err != nil {
		st.Close()
		fail(cmd, "server failed", err)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	config := loadConfig(cmd)

	var validationErrors []error
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if _, err := yank.Targets(config); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "export"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the configuration file passes validation checks")
}

func runTLSCheck(cmd *cobra.Command, _ []string) {
	config := loadConfig(cmd)

	u, err := url.Parse(config.From)
	if err != nil {
		fail(cmd, "invalid mirror url", err)
	}
	if u.Scheme != "https" {
		fmt.Printf("Mirror %s does not use https; nothing to check.\n", config.From)
		return
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	fmt.Printf("Checking TLS status for %s (%s:%s)...\n\n", config.From, host, port)

	tlsConfig := config.TLS
	if tlsConfig == nil {
		tlsConfig = &yank.TLSConfig{}
	}
	checkTLSVersions(tlsConfig, host, port)
	checkCertificateDetails(tlsConfig, host, port)

	fmt.Println("TLS check complete.")
}

func checkTLSVersions(config *yank.TLSConfig, host, port string) {
	fmt.Println("[+] TLS Version Support:")

	tlsVersions := []struct {
		version uint16
		name    string
	}{
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	for _, tlsVer := range tlsVersions {
		tlsConf, err := config.BuildTLSConfig()
		if err != nil {
			fmt.Printf("    %s: Error building TLS config (%v)\n", tlsVer.name, err)
			continue
		}

		tlsConf.MinVersion = tlsVer.version
		tlsConf.MaxVersion = tlsVer.version
		tlsConf.ServerName = host

		conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
		if err != nil {
			fmt.Printf("    %s: Not Supported (%v)\n", tlsVer.name, err)
		} else {
			fmt.Printf("    %s: Supported\n", tlsVer.name)
			conn.Close()
		}
	}
	fmt.Println()
}

func checkCertificateDetails(config *yank.TLSConfig, host, port string) {
	fmt.Println("[+] Connection Details:")

	tlsConf, err := config.BuildTLSConfig()
	if err != nil {
		fmt.Printf("Error building TLS config: %v\n", err)
		return
	}
	tlsConf.ServerName = host

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
	if err != nil {
		fmt.Printf("Failed to establish connection: %v\n", err)
		return
	}
	defer conn.Close()

	connState := conn.ConnectionState()

	fmt.Printf("    Negotiated Version: %s\n", tlsVersionString(connState.Version))
	fmt.Printf("    Negotiated Cipher:  %s\n", tls.CipherSuiteName(connState.CipherSuite))
	fmt.Println()

	fmt.Println("[+] Server Certificate Chain:")
	for i, cert := range connState.PeerCertificates {
		fmt.Printf("    - Cert %d:\n", i)
		fmt.Printf("      Subject:  %s\n", cert.Subject.CommonName)
		fmt.Printf("      Issuer:   %s\n", cert.Issuer.CommonName)
		fmt.Printf("      Expires:  %s\n", cert.NotAfter.Format(time.RFC3339))
		if i < len(connState.PeerCertificates)-1 {
			fmt.Println()
		}
	}
	fmt.Println()
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
