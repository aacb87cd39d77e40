// Package provider defines the contract every storage backend adapter
// implements, a registry for constructing per-request adapter instances, and
// the copy/move engine that works across any pair of adapters.
package provider

import (
	"context"
	"sync"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// Conflict is the name-conflict resolution policy for uploads and transfers.
type Conflict string

const (
	// ConflictWarn fails with NamingConflict when the destination exists.
	ConflictWarn Conflict = "warn"

	// ConflictReplace overwrites the existing destination.
	ConflictReplace Conflict = "replace"

	// ConflictKeep disambiguates by appending " (1)", " (2)", ... to the name.
	ConflictKeep Conflict = "keep"
)

// ParseConflict validates a raw conflict value. Empty defaults to warn.
func ParseConflict(raw string) (Conflict, error) {
	switch Conflict(raw) {
	case "":
		return ConflictWarn, nil
	case ConflictWarn, ConflictReplace, ConflictKeep:
		return Conflict(raw), nil
	default:
		return "", wberror.New(wberror.InvalidArgument,
			"conflict must be warn, replace or keep, not %q", raw)
	}
}

// ByteRange is an inclusive HTTP byte range. Nil bounds are open ends.
type ByteRange struct {
	Start *int64
	End   *int64
}

// DownloadRequest names a download operation.
type DownloadRequest struct {
	Path    wbpath.Path
	Version string
	Range   *ByteRange

	// Direct forces the provider to produce a Stream even when it could
	// return a signed redirect URL.
	Direct bool

	// DisplayName overrides the filename reported with the stream.
	DisplayName string
}

// Download is either a byte stream or a redirect to a signed backend URL.
// Exactly one of the two fields is set.
type Download struct {
	Stream      streams.Stream
	RedirectURL string
}

// Provider is the uniform contract over heterogeneous storage backends.
// Instances are constructed per request, bound to one credential bundle, and
// must not be shared across requests.
type Provider interface {
	// Name returns the registered provider name, e.g. "s3" or "filesystem".
	Name() string

	// ValidateV1Path converts a raw id-or-path into a Path, confirming both
	// existence and kind. A trailing-slash/kind mismatch is NotFound.
	ValidateV1Path(ctx context.Context, raw string) (wbpath.Path, error)

	// ValidatePath is the looser variant used for destinations: the entity
	// need not exist yet.
	ValidatePath(ctx context.Context, raw string) (wbpath.Path, error)

	// RevalidatePath builds the Path for a child of base, resolving backend
	// identifiers where the provider uses them.
	RevalidatePath(ctx context.Context, base wbpath.Path, name string, folder bool) (wbpath.Path, error)

	// Metadata returns the entry's own metadata. version selects a file
	// revision where supported.
	Metadata(ctx context.Context, path wbpath.Path, version string) (metadata.Entry, error)

	// List returns the immediate children of a folder in the provider's
	// natural order. Callers must not assume it is alphabetical.
	List(ctx context.Context, path wbpath.Path) ([]metadata.Entry, error)

	// Download opens a file for reading. Providers supporting signed URLs
	// may return a redirect unless req.Direct is set.
	Download(ctx context.Context, req DownloadRequest) (*Download, error)

	// Upload writes the stream to path, resolving naming per conflict.
	// created is true when a new entity was made, false on replace. At least
	// one content hash is computed during the transfer and returned in the
	// metadata. A stream with a declared size that ends short fails with
	// UploadIncomplete.
	Upload(ctx context.Context, stream streams.Stream, path wbpath.Path, conflict Conflict) (*metadata.File, bool, error)

	// Delete removes a file or folder tree. Deleting the root requires
	// confirm; the root itself survives with its children cleared.
	Delete(ctx context.Context, path wbpath.Path, confirm bool) error

	// CreateFolder makes a new folder. Providers without folder support fail
	// with NotSupported.
	CreateFolder(ctx context.Context, path wbpath.Path) (*metadata.Folder, error)

	// Revisions lists a file's versions, newest first.
	Revisions(ctx context.Context, path wbpath.Path) ([]*metadata.Revision, error)

	// CanIntraCopy reports whether a native server-side copy to other is
	// possible for path.
	CanIntraCopy(other Provider, path wbpath.Path) bool

	// CanIntraMove reports whether a native server-side move to other is
	// possible for path.
	CanIntraMove(other Provider, path wbpath.Path) bool

	// IntraCopy performs a native copy. Called only when CanIntraCopy is true.
	IntraCopy(ctx context.Context, other Provider, src, dst wbpath.Path) (metadata.Entry, bool, error)

	// IntraMove performs a native move. Called only when CanIntraMove is true.
	IntraMove(ctx context.Context, other Provider, src, dst wbpath.Path) (metadata.Entry, bool, error)

	// CanDuplicateNames reports whether a file and folder may share a name
	// within one parent.
	CanDuplicateNames() bool

	// SharesStorageRoot reports whether other indexes the same bytes. Move
	// uses this to refuse destructive copies within a single store.
	SharesStorageRoot(other Provider) bool
}

// Base supplies the default implementations adapters usually keep.
type Base struct{}

func (Base) CanIntraCopy(Provider, wbpath.Path) bool { return false }
func (Base) CanIntraMove(Provider, wbpath.Path) bool { return false }
func (Base) CanDuplicateNames() bool                 { return true }

func (Base) IntraCopy(context.Context, Provider, wbpath.Path, wbpath.Path) (metadata.Entry, bool, error) {
	return nil, false, wberror.New(wberror.NotImplemented, "intra-provider copy not implemented")
}

func (Base) IntraMove(context.Context, Provider, wbpath.Path, wbpath.Path) (metadata.Entry, bool, error) {
	return nil, false, wberror.New(wberror.NotImplemented, "intra-provider move not implemented")
}

func (Base) CreateFolder(context.Context, wbpath.Path) (*metadata.Folder, error) {
	return nil, wberror.New(wberror.NotSupported, "folder creation not supported")
}

func (Base) Revisions(context.Context, wbpath.Path) ([]*metadata.Revision, error) {
	return []*metadata.Revision{}, nil
}

// ── Registry ─────────────────────────────────────────────────────────────────

// Factory builds a Provider bound to the credentials and settings bundles
// issued by the auth handler for one request.
type Factory func(ctx context.Context, credentials, settings map[string]any) (Provider, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register installs a provider factory under name. Call at boot.
func Register(name string, factory Factory) {
	registryMu.Lock()
	factories[name] = factory
	registryMu.Unlock()
}

// Registered reports whether a provider name is known.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Make constructs a per-request Provider. Unknown names are NotFound so the
// URL namespace stays opaque.
func Make(ctx context.Context, name string, credentials, settings map[string]any) (Provider, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, wberror.New(wberror.NotFound, "no provider %q", name)
	}
	return factory(ctx, credentials, settings)
}
