package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"quankey/internal/recovery"
)

// quankeyctl works on recovery share files without a running server: split a
// secret into shares, recombine them, or inspect a share file.
func main() {
	splitCmd := flag.NewFlagSet("split", flag.ExitOnError)
	splitSecretHex := splitCmd.String("secret", "", "secret as 64 hex chars (omit to generate one)")
	splitThreshold := splitCmd.Int("threshold", 3, "shares required to reconstruct")
	splitTotal := splitCmd.Int("total", 5, "total shares to mint")
	splitOut := splitCmd.String("out", ".", "directory to write share files into")

	combineCmd := flag.NewFlagSet("combine", flag.ExitOnError)
	combineThreshold := combineCmd.Int("threshold", 3, "shares required to reconstruct")

	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "split":
		_ = splitCmd.Parse(os.Args[2:])
		dieIf(cmdSplit(*splitSecretHex, *splitThreshold, *splitTotal, *splitOut))

	case "combine":
		_ = combineCmd.Parse(os.Args[2:])
		dieIf(cmdCombine(*combineThreshold, combineCmd.Args()))

	case "inspect":
		_ = inspectCmd.Parse(os.Args[2:])
		dieIf(cmdInspect(inspectCmd.Args()))

	default:
		usage()
	}
}

func cmdSplit(secretHex string, threshold, total int, outDir string) error {
	var secret []byte
	generated := false
	if secretHex == "" {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		generated = true
	} else {
		var err error
		secret, err = hex.DecodeString(secretHex)
		if err != nil {
			return fmt.Errorf("bad secret: %w", err)
		}
	}

	kitID := uuid.NewString()
	files, err := recovery.SplitSecret(kitID, secret, threshold, total)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}
	for _, f := range files {
		b, err := f.Encode()
		if err != nil {
			return err
		}
		name := filepath.Join(outDir, recovery.ShareFileName(kitID, f.Index))
		if err := os.WriteFile(name, b, 0o600); err != nil {
			return err
		}
		fmt.Println("wrote", name)
	}
	fmt.Printf("kit %s: %d-of-%d\n", kitID, threshold, total)
	if generated {
		fmt.Printf("secret (store safely, shown once): %s\n", hex.EncodeToString(secret))
	}
	return nil
}

func cmdCombine(threshold int, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no share files given")
	}
	files := make([]recovery.ShareFile, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f, err := recovery.DecodeShareFile(b)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		files = append(files, f)
	}

	secret, rejected, err := recovery.CombineFiles(files, threshold)
	for _, idx := range rejected {
		fmt.Fprintf(os.Stderr, "rejected share index %d (corrupted or wrong kit)\n", idx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("secret: %s\n", hex.EncodeToString(secret))
	return nil
}

func cmdInspect(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no share files given")
	}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f, err := recovery.DecodeShareFile(b)
		if err != nil {
			fmt.Printf("%s: unreadable (%v)\n", p, err)
			continue
		}
		status := "ok"
		if err := f.Verify(); err != nil {
			status = "checksum mismatch"
		}
		fmt.Printf("%s: kit=%s index=%d %s\n", p, f.KitID, f.Index, status)
	}
	return nil
}

func usage() {
	fmt.Print(`quankeyctl commands:

  split    --threshold 3 --total 5 [--secret HEX] [--out dir]
  combine  --threshold 3 share1.qkshare share2.qkshare ...
  inspect  share1.qkshare ...
`)
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
