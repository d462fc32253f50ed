package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/minios-linux/sessionctl/internal/errors"
)

// Write creates a session archive at outPath from the payload tree rooted
// at payloadDir. A partially written file is removed again on failure, so
// outPath either holds a complete archive or does not exist.
func Write(ctx context.Context, outPath string, m *Manifest, payloadDir string) error {
	stamped := *m
	if stamped.Date.IsZero() {
		stamped.Date = time.Now().UTC()
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.NewArchiveError("cannot create archive file", err).WithArchive(outPath)
	}

	if err := writeStream(ctx, f, &stamped, payloadDir); err != nil {
		f.Close()
		os.Remove(outPath)
		return errors.NewArchiveError("failed to write archive", err).WithArchive(outPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(outPath)
		return errors.NewArchiveError("failed to flush archive", err).WithArchive(outPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(outPath)
		return errors.NewArchiveError("failed to close archive", err).WithArchive(outPath)
	}
	return nil
}

func writeStream(ctx context.Context, w io.Writer, m *Manifest, payloadDir string) (err error) {
	// SpeedDefault matches zstd level 3, the balance the exporter always
	// shipped with. Encoding is concurrent across all cores by default.
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(enc)
	defer func() {
		if cerr := tw.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if cerr := enc.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	meta, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if err := writeMember(tw, MetadataName, meta, m.Date); err != nil {
		return err
	}
	if err := writeMember(tw, InfoName, infoText(m), m.Date); err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     DataPrefix,
		Mode:     0o755,
		ModTime:  m.Date,
	}); err != nil {
		return err
	}
	return addTree(ctx, tw, payloadDir)
}

func writeMember(tw *tar.Writer, name string, body []byte, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(body)),
		ModTime:  mtime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(body)
	return err
}

// addTree appends every entry below root to the archive under the data/
// prefix, preserving modes, ownership, timestamps, symlink targets and
// device numbers.
func addTree(ctx context.Context, tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", p)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if p == root {
			return nil
		}
		// Sockets have no meaning outside their creating process.
		if info.Mode()&os.ModeSocket != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(p)
			if err != nil {
				return errors.Wrapf(err, "failed to read symlink %s", rel)
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return errors.Wrapf(err, "failed to describe %s", rel)
		}
		hdr.Name = DataPrefix + filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "failed to add %s", rel)
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", rel)
		}
		_, err = io.Copy(tw, src)
		src.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to archive %s", rel)
		}
		return nil
	})
}
