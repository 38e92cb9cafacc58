// requiemd is a debug harness over the internal/abi boundary: it exposes
// execute/replay/stats as subcommands (each opening a fresh context from
// --config), plus bundle, cas status and version helpers, the same surface a C-ABI embedder would drive, so this engine
// can be exercised without writing a cgo shim. Flag-based subcommand
// dispatch follows cmd/reachctl's style rather than a cobra-style tree.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"requiem/internal/abi"
	"requiem/internal/cas"
	"requiem/internal/proofbundle"
	"requiem/internal/requesttypes"
	"requiem/internal/versionmanifest"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 1
	}

	switch args[0] {
	case "execute":
		return runExecute(ctx, args[1:], out, errOut)
	case "replay":
		return runReplay(ctx, args[1:], out, errOut)
	case "stats":
		return runStats(ctx, args[1:], out, errOut)
	case "bundle":
		return runBundle(args[1:], out, errOut)
	case "cas":
		return runCas(args[1:], out, errOut)
	case "version", "--version", "-v":
		return runVersion(out)
	default:
		usage(errOut)
		return 1
	}
}

func usage(out io.Writer) {
	_, _ = io.WriteString(out, `usage: requiemd <command> [options]

Commands:
  execute --config F --request F      Run one request, print the canonical result
  replay  --config F --request F --expected F
                                       Re-execute and compare against a prior result
  stats   --config F                  Print the counter/histogram snapshot
  bundle export --result F [--keydir D --keyid ID]
                                       Export a result_json file as a signed proof bundle
  bundle verify --bundle F [--keydir D]
                                       Verify a proof bundle's fingerprint and signature
  cas status --root D                 Print object count and total size of a CAS root
  version                             Print the version manifest

A Context is opened fresh from --config for each invocation; requiemd is
a debug harness, not a long-lived server.
`)
}

func runVersion(out io.Writer) int {
	return writeJSON(out, map[string]string{
		"engine_semver":            versionmanifest.EngineSemver,
		"engine_abi_version":       versionmanifest.EngineABIVersion,
		"hash_algorithm_version":   versionmanifest.HashAlgorithmVersion,
		"cas_format_version":       versionmanifest.CasFormatVersion,
		"protocol_framing_version": versionmanifest.ProtocolFramingVersion,
		"replay_log_version":       versionmanifest.ReplayLogVersion,
		"audit_log_version":        versionmanifest.AuditLogVersion,
	})
}

func openContext(configPath *string) (*abi.Context, error) {
	configJSON, err := os.ReadFile(*configPath)
	if err != nil {
		return nil, fmt.Errorf("reading --config: %w", err)
	}
	ctx, abiErr := abi.Init(configJSON, versionmanifest.EngineABIVersion)
	if abiErr != nil {
		return nil, fmt.Errorf("init: %s: %s", abiErr.Code, abiErr.Message)
	}
	return ctx, nil
}

func runExecute(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "path to config_json")
	requestPath := fs.String("request", "", "path to request_json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" || *requestPath == "" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd execute --config F --request F")
		return 1
	}

	c, err := openContext(configPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err)
		return 1
	}
	defer c.Shutdown()

	requestJSON, err := os.ReadFile(*requestPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "reading --request: ", err)
		return 1
	}

	resultJSON, abiErr := c.Execute(ctx, requestJSON)
	if abiErr != nil {
		_, _ = fmt.Fprintf(errOut, "execute failed: %s: %s\n", abiErr.Code, abiErr.Message)
		return 1
	}
	_, _ = out.Write(resultJSON)
	_, _ = io.WriteString(out, "\n")
	return 0
}

func runReplay(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "path to config_json")
	requestPath := fs.String("request", "", "path to request_json")
	expectedPath := fs.String("expected", "", "path to expected result_json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" || *requestPath == "" || *expectedPath == "" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd replay --config F --request F --expected F")
		return 1
	}

	c, err := openContext(configPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err)
		return 1
	}
	defer c.Shutdown()

	requestJSON, err := os.ReadFile(*requestPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "reading --request: ", err)
		return 1
	}
	expectedJSON, err := os.ReadFile(*expectedPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "reading --expected: ", err)
		return 1
	}

	ok, abiErr := c.Replay(ctx, requestJSON, expectedJSON)
	if abiErr != nil {
		return writeJSON(out, map[string]any{"verified": false, "error_code": abiErr.Code, "message": abiErr.Message})
	}
	return writeJSON(out, map[string]any{"verified": ok})
}

func runStats(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "path to config_json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd stats --config F")
		return 1
	}

	c, err := openContext(configPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err)
		return 1
	}
	defer c.Shutdown()

	statsJSON, abiErr := c.Stats()
	if abiErr != nil {
		_, _ = fmt.Fprintf(errOut, "stats failed: %s: %s\n", abiErr.Code, abiErr.Message)
		return 1
	}
	_, _ = out.Write(statsJSON)
	_, _ = io.WriteString(out, "\n")
	return 0
}

func runBundle(args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd bundle <export|verify> [options]")
		return 1
	}
	switch args[0] {
	case "export":
		return runBundleExport(args[1:], out, errOut)
	case "verify":
		return runBundleVerify(args[1:], out, errOut)
	default:
		_, _ = fmt.Fprintln(errOut, "usage: requiemd bundle <export|verify> [options]")
		return 1
	}
}

func runBundleExport(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("bundle export", flag.ContinueOnError)
	fs.SetOutput(errOut)
	resultPath := fs.String("result", "", "path to a result_json file")
	keyDir := fs.String("keydir", "", "key directory; when set, the bundle is signed")
	keyID := fs.String("keyid", "default", "key id to use when signing")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *resultPath == "" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd bundle export --result F [--keydir D --keyid ID]")
		return 1
	}

	resultJSON, err := os.ReadFile(*resultPath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "reading --result: ", err)
		return 1
	}
	var result requesttypes.ExecutionResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		_, _ = fmt.Fprintln(errOut, "invalid result_json: ", err)
		return 1
	}

	bundle, err := proofbundle.Export(result, time.Now().UnixMilli())
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "export failed: ", err)
		return 1
	}

	if *keyDir != "" {
		key, err := proofbundle.LoadOrGenerateKey(*keyDir, *keyID)
		if err != nil {
			_, _ = fmt.Fprintln(errOut, "loading signing key: ", err)
			return 1
		}
		if err := proofbundle.Sign(bundle, key); err != nil {
			_, _ = fmt.Fprintln(errOut, "signing bundle: ", err)
			return 1
		}
	}

	if err := proofbundle.Save(bundle, out); err != nil {
		_, _ = fmt.Fprintln(errOut, "writing bundle: ", err)
		return 1
	}
	return 0
}

func runBundleVerify(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("bundle verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	bundlePath := fs.String("bundle", "", "path to a proof bundle JSON file")
	keyDir := fs.String("keydir", "", "directory of trusted .pub keys")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *bundlePath == "" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd bundle verify --bundle F [--keydir D]")
		return 1
	}

	f, err := os.Open(*bundlePath)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "opening --bundle: ", err)
		return 1
	}
	defer f.Close()

	bundle, err := proofbundle.Load(f)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err)
		return 1
	}

	trustedKeys := map[string]string{}
	if *keyDir != "" {
		trustedKeys, err = proofbundle.LoadTrustedKeys(*keyDir)
		if err != nil {
			_, _ = fmt.Fprintln(errOut, "loading trusted keys: ", err)
			return 1
		}
	}

	verifyErr := proofbundle.Verify(bundle, trustedKeys)
	result := map[string]any{
		"verified":       verifyErr == nil,
		"fingerprint":    bundle.Fingerprint,
		"request_digest": bundle.RequestDigest,
		"result_digest":  bundle.ResultDigest,
	}
	if verifyErr != nil {
		result["error"] = verifyErr.Error()
		_ = writeJSON(out, result)
		return 1
	}
	return writeJSON(out, result)
}

func runCas(args []string, out, errOut io.Writer) int {
	if len(args) < 1 || args[0] != "status" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd cas status --root D")
		return 1
	}
	fs := flag.NewFlagSet("cas status", flag.ContinueOnError)
	fs.SetOutput(errOut)
	root := fs.String("root", "", "path to a CAS root")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *root == "" {
		_, _ = fmt.Fprintln(errOut, "usage: requiemd cas status --root D")
		return 1
	}

	store, err := cas.Open(*root)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "opening CAS root: ", err)
		return 1
	}
	defer store.Close()

	status, err := store.Status()
	if err != nil {
		_, _ = fmt.Fprintln(errOut, "reading CAS status: ", err)
		return 1
	}

	_, _ = fmt.Fprintf(out, "%d objects, %s\n", status.ObjectCount, humanize.Bytes(uint64(status.TotalSizeBytes)))
	return 0
}

func writeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}
