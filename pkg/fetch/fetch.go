package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"stevedore/pkg"
)

// Options controls a fetch run.
type Options struct {
	// Update records the actual checksums in the manifest instead of
	// failing on mismatches.
	Update bool
	// Vars adds extra condition variables on top of the manifest's own.
	Vars map[string]string
}

func progressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		// progress output just clutters CI logs
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// Run downloads, verifies and extracts every applicable tool from the
// manifest at manifestPath. Tools whose stamp matches and whose destination
// exists are skipped.
func Run(ctx context.Context, manifestPath string, opts Options) error {
	pkg.PrintTask("Loading manifest")
	manifest, rawManifest, stamps, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	vars := platformVars(manifest.Vars)
	for name, value := range opts.Vars {
		vars[name] = value
	}

	baseDir := filepath.Dir(manifestPath)
	client := &http.Client{Timeout: 30 * time.Minute}

	// sorted for a stable run order
	names := make([]string, 0, len(manifest.Tools))
	for name := range manifest.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	pkg.PrintTask("Downloading tools")
	newChecksums := map[string]string{}
	for _, name := range names {
		spec := manifest.Tools[name]

		// conditions are evaluated even when updating because they also
		// substitute the URL placeholders
		applies := evalConditions(&spec, vars)
		if !applies && !opts.Update {
			continue
		}

		err = fetchTool(ctx, client, baseDir, name, spec, stamps, newChecksums, applies, opts.Update)
		if err != nil {
			break
		}
	}

	if stampErr := writeStamps(manifestPath, stamps); stampErr != nil {
		pkg.PrintError(stampErr.Error())
	}
	if err != nil {
		return err
	}

	if opts.Update && len(newChecksums) > 0 {
		pkg.PrintTask("Updating manifest checksums")
		for name, newSum := range newChecksums {
			rawManifest, err = updateChecksum(rawManifest, name, manifest.Tools[name].Sha256, newSum)
			if err != nil {
				return err
			}
		}

		err = os.WriteFile(manifestPath, []byte(rawManifest), 0660)
		if err != nil {
			return eris.Wrapf(err, "failed to rewrite %s", manifestPath)
		}
	}

	pkg.PrintTask("Done")
	return nil
}

func fetchTool(ctx context.Context, client *http.Client, baseDir, name string, spec ToolSpec,
	stamps, newChecksums map[string]string, applies, update bool,
) error {
	destPath := filepath.Join(baseDir, spec.Dest)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := spec.URL + "#" + spec.Sha256
	if stamp, ok := stamps[name]; ok && stamp == stampToken && destExists {
		return nil
	}

	pkg.PrintSubtask(name + ":  " + spec.URL)
	if spec.Sha256 == "" && !update {
		return eris.Errorf("tool %s doesn't have a checksum", name)
	}

	tmpFile, err := os.CreateTemp(baseDir, "tools_dl_*.tmp")
	if err != nil {
		return eris.Wrap(err, "failed to create download file")
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	size, err := download(ctx, client, spec.URL, tmpFile)
	if err != nil {
		return err
	}

	digest, err := fileDigest(tmpFile)
	if err != nil {
		return err
	}

	if digest != spec.Sha256 {
		if !update {
			return eris.Errorf("checksum mismatch for %s: expected %s but got %s", name, spec.Sha256, digest)
		}

		fmt.Println("      updating checksum")
		newChecksums[name] = digest
	}

	// in update mode entries that don't apply here are only re-hashed
	if !applies {
		return nil
	}

	if destExists {
		pkg.PrintSubtask(fmt.Sprintf("remove stale %s", destPath))
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return err
		}
	}

	unpack, err := extractorFor(spec.URL)
	if err != nil {
		return err
	}

	_, err = tmpFile.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	bar := progressBar(size, "      extract")
	err = unpack(tmpFile, bar, destPath, spec)
	if err != nil {
		return err
	}

	err = markExecutables(destPath, spec)
	if err != nil {
		return err
	}

	stamps[name] = stampToken
	return nil
}

func download(ctx context.Context, client *http.Client, url string, dest *os.File) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to build request for %s", url)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("download of %s failed with status %s", url, resp.Status)
	}

	bar := progressBar(resp.ContentLength, "     download")
	size, err := io.Copy(io.MultiWriter(dest, bar), resp.Body)
	bar.Finish()
	if err != nil {
		return 0, eris.Wrapf(err, "failed during download of %s", url)
	}

	return size, nil
}

func fileDigest(handle *os.File) (string, error) {
	_, err := handle.Seek(0, io.SeekStart)
	if err != nil {
		return "", err
	}

	hash := sha256.New()
	_, err = io.Copy(hash, handle)
	if err != nil {
		return "", eris.Wrap(err, "failed to calculate checksum")
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// markExecutables restores the exec bit for the listed binaries. Archives in
// zip format don't carry permissions, so this has to happen manually.
func markExecutables(destPath string, spec ToolSpec) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	for _, binPath := range spec.MarkExec {
		binPath = filepath.Join(destPath, binPath)
		fi, err := os.Stat(binPath)
		if err != nil {
			return eris.Wrapf(err, "failed to read permissions for %s", binPath)
		}

		err = os.Chmod(binPath, fi.Mode()|0700)
		if err != nil {
			return eris.Wrapf(err, "failed to mark %s as executable", binPath)
		}
	}

	return nil
}
