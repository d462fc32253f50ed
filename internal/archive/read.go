package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/minios-linux/sessionctl/internal/errors"
)

// archiveReader bundles the file handle, the decompressor and the tar
// cursor of an open archive.
type archiveReader struct {
	f   *os.File
	dec *zstd.Decoder
	tr  *tar.Reader
}

func openArchive(p string) (*archiveReader, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.NewArchiveError("cannot open archive", err).WithArchive(p)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.NewArchiveError("cannot decompress archive", err).WithArchive(p)
	}
	return &archiveReader{f: f, dec: dec, tr: tar.NewReader(dec)}, nil
}

func (r *archiveReader) Close() {
	r.dec.Close()
	r.f.Close()
}

// ReadManifest scans the archive for its metadata.json entry and decodes
// it. The manifests sit at the front of archives this package writes, so
// the scan normally stops after the first member.
func ReadManifest(ctx context.Context, p string) (*Manifest, error) {
	r, err := openArchive(p)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewArchiveError("archive is not readable", err).WithArchive(p)
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if !isManifestMember(hdr.Name, MetadataName) {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(r.tr, maxManifestLen))
		if err != nil {
			return nil, errors.NewArchiveError("cannot read manifest", err).WithArchive(p).WithMember(hdr.Name)
		}
		m, err := decodeManifest(data)
		if err != nil {
			return nil, errors.NewArchiveError("invalid manifest", err).WithArchive(p).WithMember(hdr.Name)
		}
		return m, nil
	}
	return nil, errors.NewArchiveError("no metadata.json entry", errors.ErrArchiveFormat).WithArchive(p)
}

type dirTime struct {
	path  string
	mtime time.Time
}

// Extract unpacks the archive's payload into dest, stripping the data/
// prefix and skipping the manifest entries. Members that would land
// outside dest, directly or through a planted symlink, abort the
// extraction.
func Extract(ctx context.Context, archivePath, dest string) error {
	r, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.NewStorageError("cannot create extraction root", err).WithPath(dest)
	}
	destRoot, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return errors.NewStorageError("cannot resolve extraction root", err).WithPath(dest)
	}

	var dirs []dirTime
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewArchiveError("archive is not readable", err).WithArchive(archivePath)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		rel, ok := payloadName(hdr.Name)
		if !ok {
			continue
		}
		target, err := secureTarget(destRoot, rel)
		if err != nil {
			return errors.NewArchiveError("cannot extract member", err).WithArchive(archivePath).WithMember(hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.NewStorageError("cannot create directory", err).WithPath(target)
			}
			if err := applyHeaderAttrs(target, hdr, false); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{path: target, mtime: hdr.ModTime})
		case tar.TypeReg:
			if fi, lerr := os.Lstat(target); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
				// Never write a file body through a symlink a
				// member planted earlier.
				os.Remove(target)
			}
			if err := writeFileBody(target, hdr, r.tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.NewStorageError("cannot create symlink", err).WithPath(target)
			}
			if err := applyHeaderAttrs(target, hdr, true); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := makeHardlink(destRoot, target, hdr); err != nil {
				return errors.NewArchiveError("cannot extract member", err).WithArchive(archivePath).WithMember(hdr.Name)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if err := makeNode(target, hdr); err != nil {
				return err
			}
		default:
			// Pax global headers and other exotic member types do
			// not occur in session trees.
			continue
		}
	}

	// Directory times last, deepest first, once nothing writes into them
	// anymore.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime)
	}
	return nil
}

// Verify decompresses the entire archive, requiring every member body to
// read back cleanly and both manifest entries to be present. It returns
// the number of members seen.
func Verify(ctx context.Context, p string) (int, error) {
	r, err := openArchive(p)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	haveMeta, haveInfo := false, false
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, errors.NewArchiveError("archive is not readable",
				errors.Join(errors.ErrVerificationFailed, err)).WithArchive(p)
		}
		if cerr := ctx.Err(); cerr != nil {
			return count, cerr
		}
		count++
		if isManifestMember(hdr.Name, MetadataName) {
			haveMeta = true
		}
		if isManifestMember(hdr.Name, InfoName) {
			haveInfo = true
		}
		if _, err := io.Copy(io.Discard, r.tr); err != nil {
			return count, errors.NewArchiveError("member body is corrupted",
				errors.Join(errors.ErrVerificationFailed, err)).WithArchive(p).WithMember(hdr.Name)
		}
	}
	if !haveMeta {
		return count, errors.NewArchiveError("metadata.json entry is missing",
			errors.ErrVerificationFailed).WithArchive(p)
	}
	if !haveInfo {
		return count, errors.NewArchiveError("session.info entry is missing",
			errors.ErrVerificationFailed).WithArchive(p)
	}
	return count, nil
}

// secureTarget resolves a payload-relative member name to its extraction
// path. The resolved parent must stay below destRoot: a member earlier in
// the stream can plant a symlink and route later members through it, so a
// plain prefix check on the unresolved path is not enough.
func secureTarget(destRoot, rel string) (string, error) {
	if path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.New("member path escapes the extraction root")
	}
	target := filepath.Join(destRoot, filepath.FromSlash(rel))
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	if resolved != destRoot && !strings.HasPrefix(resolved, destRoot+string(os.PathSeparator)) {
		return "", errors.New("member path escapes the extraction root")
	}
	return filepath.Join(resolved, filepath.Base(target)), nil
}

func writeFileBody(target string, hdr *tar.Header, body io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
	if err != nil {
		return errors.NewStorageError("cannot create file", err).WithPath(target)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(target)
		return errors.NewStorageError("cannot write file", err).WithPath(target)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return errors.NewStorageError("cannot write file", err).WithPath(target)
	}
	return applyHeaderAttrs(target, hdr, false)
}

func makeHardlink(destRoot, target string, hdr *tar.Header) error {
	linkRel, ok := payloadName(hdr.Linkname)
	if !ok {
		return errors.New("hardlink target outside the payload")
	}
	linkTarget, err := secureTarget(destRoot, linkRel)
	if err != nil {
		return err
	}
	os.Remove(target)
	if err := os.Link(linkTarget, target); err != nil {
		return errors.NewStorageError("cannot create hardlink", err).WithPath(target)
	}
	return nil
}

// makeNode recreates a device node or fifo. Overlayfs whiteouts travel as
// 0:0 character devices, so session archives depend on this.
func makeNode(target string, hdr *tar.Header) error {
	mode := uint32(hdr.Mode & 0o7777)
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeFifo:
		mode |= unix.S_IFIFO
	}
	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	if err := unix.Mknod(target, mode, int(dev)); err != nil {
		return errors.NewStorageError("failed to create device node", err).WithPath(target)
	}
	return applyHeaderAttrs(target, hdr, false)
}

func applyHeaderAttrs(p string, hdr *tar.Header, symlink bool) error {
	_ = os.Lchown(p, hdr.Uid, hdr.Gid)
	if symlink {
		return nil
	}
	if err := os.Chmod(p, os.FileMode(hdr.Mode&0o7777)); err != nil {
		return errors.NewStorageError("failed to set permissions", err).WithPath(p)
	}
	_ = os.Chtimes(p, hdr.ModTime, hdr.ModTime)
	return nil
}
