package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/falk/ncago/pkg/builder"
	"github.com/falk/ncago/pkg/keys"
	"github.com/falk/ncago/pkg/nca"
	"github.com/falk/ncago/pkg/nlog"
	"github.com/falk/ncago/pkg/storage"
	"github.com/rs/zerolog"
)

func main() {
	keysPath := flag.String("k", "", "Path to prod.keys")
	patchPath := flag.String("patch", "", "Path to a patch NCA; with -o, build a merged NCA")
	titleKeyHex := flag.String("title-key", "", "External title key (32 hex chars) for a rights-ID NCA")
	rightsIDHex := flag.String("rights-id", "", "Rights ID (32 hex chars) the title key belongs to")
	outPath := flag.String("o", "", "Output path for -patch's merged NCA")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *verbose {
		nlog.SetLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
	}

	args := flag.Args()
	if len(args) == 0 || *keysPath == "" {
		fmt.Println("Usage: ncatool -k prod.keys [-patch patch.nca -o merged.nca] [-title-key hex -rights-id hex] <base.nca>")
		return
	}

	ks, err := keys.Load(*keysPath)
	if err != nil {
		fmt.Printf("error loading keys: %v\n", err)
		os.Exit(1)
	}

	ext := keys.NewExternalKeySet()
	if *titleKeyHex != "" && *rightsIDHex != "" {
		rightsID, key, err := parseTitleKey(*rightsIDHex, *titleKeyHex)
		if err != nil {
			fmt.Printf("error parsing title key: %v\n", err)
			os.Exit(1)
		}
		ext.AddTitleKey(rightsID, key)
	}

	baseFile, err := storage.NewFileStorage(args[0])
	if err != nil {
		fmt.Printf("error opening %s: %v\n", args[0], err)
		os.Exit(1)
	}
	defer baseFile.Close()

	base, err := nca.OpenNCA(baseFile, ks, ext)
	if err != nil {
		fmt.Printf("error opening base nca: %v\n", err)
		os.Exit(1)
	}
	defer base.Close()

	fmt.Printf("content type %d, title id %016x, key generation %d\n",
		base.Header().ContentType, base.Header().TitleID, base.Header().KeyGenerationEffective())
	for i := 0; i < 4; i++ {
		if !base.Header().Sections[i].Enabled() {
			continue
		}
		validity, err := base.VerifySection(i, nil)
		if err != nil {
			fmt.Printf("section %d: verify error: %v\n", i, err)
			continue
		}
		fmt.Printf("section %d: %s\n", i, validity)
	}

	if *patchPath == "" {
		return
	}

	patchFile, err := storage.NewFileStorage(*patchPath)
	if err != nil {
		fmt.Printf("error opening %s: %v\n", *patchPath, err)
		os.Exit(1)
	}
	defer patchFile.Close()

	patch, err := nca.OpenNCA(patchFile, ks, ext)
	if err != nil {
		fmt.Printf("error opening patch nca: %v\n", err)
		os.Exit(1)
	}
	defer patch.Close()

	merged, err := builder.BuildMerged(ks, base, patch)
	if err != nil {
		fmt.Printf("error building merged nca: %v\n", err)
		os.Exit(1)
	}

	if *outPath == "" {
		fmt.Printf("merged nca: %d bytes (pass -o to write it)\n", merged.Size())
		return
	}
	if err := writeAll(*outPath, merged); err != nil {
		fmt.Printf("error writing %s: %v\n", *outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *outPath, merged.Size())
}

func parseTitleKey(rightsIDHex, keyHex string) ([16]byte, [16]byte, error) {
	var rightsID, key [16]byte
	rid, err := hex.DecodeString(rightsIDHex)
	if err != nil || len(rid) != 16 {
		return rightsID, key, fmt.Errorf("rights id must be 32 hex chars")
	}
	k, err := hex.DecodeString(keyHex)
	if err != nil || len(k) != 16 {
		return rightsID, key, fmt.Errorf("title key must be 32 hex chars")
	}
	copy(rightsID[:], rid)
	copy(key[:], k)
	return rightsID, key, nil
}

func writeAll(path string, s storage.Storage) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	const chunk = 1 << 20
	buf := make([]byte, chunk)
	var offset int64
	size := s.Size()
	for offset < size {
		n := int64(chunk)
		if offset+n > size {
			n = size - offset
		}
		got, err := s.ReadAt(buf[:n], offset)
		if got > 0 {
			if _, werr := out.Write(buf[:got]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		offset += int64(got)
	}
	return nil
}
