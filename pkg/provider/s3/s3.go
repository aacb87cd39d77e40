// Package s3 implements the provider contract over an S3-compatible bucket
// (AWS S3, MinIO, R2, Spaces). Folders are zero-byte keys with a trailing
// slash; listings use the "/" delimiter.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/CenterForOpenScience/waterbutler/pkg/metadata"
	"github.com/CenterForOpenScience/waterbutler/pkg/provider"
	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
	"github.com/CenterForOpenScience/waterbutler/pkg/wbpath"
)

// Name is the registry name of this adapter.
const Name = "s3"

// presignTTL bounds how long a signed direct-download link stays valid.
const presignTTL = 15 * time.Minute

func init() {
	provider.Register(Name, func(ctx context.Context, creds, settings map[string]any) (provider.Provider, error) {
		return New(ctx, Credentials{
			AccessKey: str(creds["access_key"]),
			SecretKey: str(creds["secret_key"]),
		}, Settings{
			Bucket:   str(settings["bucket"]),
			Region:   str(settings["region"]),
			Endpoint: str(settings["endpoint"]),
			Prefix:   str(settings["prefix"]),
		})
	})
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Credentials is the per-request credential bundle for this adapter.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Settings selects the bucket a resource is mounted on.
type Settings struct {
	Bucket   string
	Region   string
	Endpoint string // empty for real AWS; set for MinIO / R2 / Spaces
	Prefix   string // storage root within the bucket, may be empty
}

// S3 is a per-request adapter instance bound to one bucket and credential set.
type S3 struct {
	provider.Base
	client   *awss3.Client
	presign  *awss3.PresignClient
	bucket   string
	prefix   string
	endpoint string
	keyID    string
}

// New builds the adapter. The SDK's connection pool is owned by the instance.
func New(ctx context.Context, creds Credentials, settings Settings) (*S3, error) {
	if settings.Bucket == "" {
		return nil, wberror.New(wberror.InvalidArgument, "s3: settings are missing the bucket")
	}
	region := settings.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(region)}
	if creds.AccessKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wberror.Wrap(wberror.ServiceUnavailable, err, "s3: load config")
	}

	clientOpts := []func(*awss3.Options){}
	if settings.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(settings.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := awss3.NewFromConfig(cfg, clientOpts...)
	prefix := strings.Trim(settings.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{
		client:   client,
		presign:  awss3.NewPresignClient(client),
		bucket:   settings.Bucket,
		prefix:   prefix,
		endpoint: settings.Endpoint,
		keyID:    creds.AccessKey,
	}, nil
}

func (s *S3) Name() string { return Name }

// key maps a Path onto the bucket keyspace. Folder keys keep the trailing
// slash; the root maps to the bare prefix.
func (s *S3) key(path wbpath.Path) string {
	return s.prefix + path.Interior()
}

func (s *S3) ValidateV1Path(ctx context.Context, raw string) (wbpath.Path, error) {
	path, err := s.ValidatePath(ctx, raw)
	if err != nil {
		return wbpath.Path{}, err
	}
	if path.IsRoot() {
		return path, nil
	}
	if path.IsFile() {
		if _, err := s.head(ctx, path); err != nil {
			return wbpath.Path{}, err
		}
		return path, nil
	}
	exists, err := s.folderExists(ctx, path)
	if err != nil {
		return wbpath.Path{}, err
	}
	if !exists {
		return wbpath.Path{}, wberror.New(wberror.NotFound, "could not retrieve folder %q", path)
	}
	return path, nil
}

func (s *S3) ValidatePath(_ context.Context, raw string) (wbpath.Path, error) {
	return wbpath.Parse(raw)
}

func (s *S3) RevalidatePath(_ context.Context, base wbpath.Path, name string, folder bool) (wbpath.Path, error) {
	return base.Child(name, "", folder)
}

func (s *S3) Metadata(ctx context.Context, path wbpath.Path, _ string) (metadata.Entry, error) {
	if path.IsFolder() {
		if path.IsRoot() {
			return s.folderMetadata(path), nil
		}
		exists, err := s.folderExists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, wberror.New(wberror.NotFound, "could not retrieve folder %q", path)
		}
		return s.folderMetadata(path), nil
	}

	head, err := s.head(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.fileMetadataFromHead(path, head), nil
}

func (s *S3) List(ctx context.Context, path wbpath.Path) ([]metadata.Entry, error) {
	prefix := s.key(path)
	var out []metadata.Entry

	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.translate(err, path)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			child, err := path.Child(name, "", true)
			if err != nil {
				return nil, err
			}
			out = append(out, s.folderMetadata(child))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // the folder's own marker key
			}
			child, err := path.Child(strings.TrimPrefix(key, prefix), "", false)
			if err != nil {
				return nil, err
			}
			file := &metadata.File{
				Name:        child.Name(),
				Path:        child.String(),
				Size:        aws.ToInt64(obj.Size),
				ContentType: contentTypeFor(child),
				ETag:        strings.Trim(aws.ToString(obj.ETag), `"`),
				Provider:    Name,
				Hashes:      hashesFromETag(aws.ToString(obj.ETag)),
			}
			if obj.LastModified != nil {
				file.Modified = obj.LastModified.UTC().Format(time.RFC3339)
			}
			out = append(out, file)
		}
	}
	return out, nil
}

func (s *S3) Download(ctx context.Context, req provider.DownloadRequest) (*provider.Download, error) {
	if !req.Direct {
		// Signed URL: the client fetches the bytes straight from the bucket.
		name := req.DisplayName
		if name == "" {
			name = req.Path.Name()
		}
		signed, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
			Bucket:                     aws.String(s.bucket),
			Key:                        aws.String(s.key(req.Path)),
			ResponseContentDisposition: aws.String(contentDisposition(name)),
		}, awss3.WithPresignExpires(presignTTL))
		if err != nil {
			return nil, s.translate(err, req.Path)
		}
		return &provider.Download{RedirectURL: signed.URL}, nil
	}

	input := &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(req.Path)),
	}
	if req.Range != nil {
		input.Range = aws.String(rangeHeader(req.Range))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, s.translate(err, req.Path)
	}

	size := streams.SizeUnknown
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &provider.Download{Stream: streams.NewReader(out.Body, size)}, nil
}

func (s *S3) Upload(ctx context.Context, stream streams.Stream, path wbpath.Path, conflict provider.Conflict) (*metadata.File, bool, error) {
	defer stream.Close() //nolint:errcheck

	path, replaced, err := provider.ResolveNameConflict(ctx, s, path, conflict)
	if err != nil {
		return nil, false, err
	}

	hashed := streams.NewHashStream(stream, "md5", "sha256")

	// The bucket needs a known Content-Length up front; spool size-unknown
	// streams through a temp file rather than holding them in memory.
	size := stream.Size()
	var body io.Reader = hashed
	if size == streams.SizeUnknown {
		spooled, spoolSize, err := spool(hashed)
		if err != nil {
			return nil, false, err
		}
		defer spooled.Close() //nolint:errcheck
		body, size = spooled, spoolSize
	}

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(path)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentTypeFor(path)),
	})
	if err != nil {
		return nil, false, s.translate(err, path)
	}

	head, err := s.head(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if head.ContentLength != nil && *head.ContentLength != size {
		return nil, false, wberror.New(wberror.UploadIncomplete,
			"bucket holds %d bytes of %d sent for %q", *head.ContentLength, size, path)
	}

	file := s.fileMetadataFromHead(path, head)
	file.Hashes = hashed.Digests()
	return file, !replaced, nil
}

func (s *S3) Delete(ctx context.Context, path wbpath.Path, confirm bool) error {
	if path.IsRoot() {
		if !confirm {
			return wberror.New(wberror.InvalidArgument,
				"deleting the storage root requires confirm_delete=1")
		}
		return s.deletePrefix(ctx, s.prefix)
	}
	if path.IsFolder() {
		return s.deletePrefix(ctx, s.key(path))
	}

	if _, err := s.head(ctx, path); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return s.translate(err, path)
	}
	return nil
}

func (s *S3) CreateFolder(ctx context.Context, path wbpath.Path) (*metadata.Folder, error) {
	if !path.IsFolder() {
		return nil, wberror.New(wberror.InvalidArgument, "%q is not a folder path", path)
	}
	exists, err := s.folderExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, wberror.New(wberror.NamingConflict, "folder %q already exists", path).
			WithData(map[string]any{"name": path.Name()})
	}
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(path)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return nil, s.translate(err, path)
	}
	return s.folderMetadata(path), nil
}

func (s *S3) Revisions(ctx context.Context, path wbpath.Path) ([]*metadata.Revision, error) {
	out, err := s.client.ListObjectVersions(ctx, &awss3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(path)),
	})
	if err != nil {
		return nil, s.translate(err, path)
	}

	key := s.key(path)
	revisions := []*metadata.Revision{}
	for _, version := range out.Versions {
		if aws.ToString(version.Key) != key {
			continue
		}
		rev := &metadata.Revision{
			Version: aws.ToString(version.VersionId),
			Extra:   map[string]any{"latest": aws.ToBool(version.IsLatest)},
		}
		if version.LastModified != nil {
			rev.Modified = version.LastModified.UTC().Format(time.RFC3339)
		}
		revisions = append(revisions, rev)
	}
	if len(revisions) == 0 {
		// Unversioned bucket: the current object is the only revision.
		head, err := s.head(ctx, path)
		if err != nil {
			return nil, err
		}
		rev := &metadata.Revision{Version: "latest"}
		if head.LastModified != nil {
			rev.Modified = head.LastModified.UTC().Format(time.RFC3339)
		}
		revisions = append(revisions, rev)
	}
	return revisions, nil
}

func (s *S3) CanIntraCopy(other provider.Provider, path wbpath.Path) bool {
	return s.sameBackend(other) && path.IsFile()
}

func (s *S3) CanIntraMove(other provider.Provider, path wbpath.Path) bool {
	return s.sameBackend(other) && path.IsFile()
}

func (s *S3) IntraCopy(ctx context.Context, other provider.Provider, src, dst wbpath.Path) (metadata.Entry, bool, error) {
	dest := other.(*S3)
	_, err := dest.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(dest.bucket),
		CopySource: aws.String(s.bucket + "/" + s.key(src)),
		Key:        aws.String(dest.key(dst)),
	})
	if err != nil {
		return nil, false, s.translate(err, src)
	}
	entry, err := dest.Metadata(ctx, dst, "")
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *S3) IntraMove(ctx context.Context, other provider.Provider, src, dst wbpath.Path) (metadata.Entry, bool, error) {
	entry, created, err := s.IntraCopy(ctx, other, src, dst)
	if err != nil {
		return nil, false, err
	}
	if err := s.Delete(ctx, src, false); err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

func (s *S3) CanDuplicateNames() bool { return true }

func (s *S3) SharesStorageRoot(other provider.Provider) bool {
	o, ok := other.(*S3)
	return ok && o.bucket == s.bucket && o.prefix == s.prefix && o.endpoint == s.endpoint
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *S3) sameBackend(other provider.Provider) bool {
	o, ok := other.(*S3)
	return ok && o.endpoint == s.endpoint && o.keyID == s.keyID
}

func (s *S3) head(ctx context.Context, path wbpath.Path) (*awss3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return nil, s.translate(err, path)
	}
	return out, nil
}

func (s *S3) folderExists(ctx context.Context, path wbpath.Path) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.key(path)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, s.translate(err, path)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

func (s *S3) deletePrefix(ctx context.Context, prefix string) error {
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return wberror.Wrap(wberror.ProviderError, err, "list %q for delete", prefix)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		_, err = s.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return wberror.Wrap(wberror.ProviderError, err, "delete under %q", prefix)
		}
	}
	return nil
}

func (s *S3) fileMetadataFromHead(path wbpath.Path, head *awss3.HeadObjectOutput) *metadata.File {
	etag := strings.Trim(aws.ToString(head.ETag), `"`)
	file := &metadata.File{
		Name:        path.Name(),
		Path:        path.String(),
		Size:        aws.ToInt64(head.ContentLength),
		ContentType: aws.ToString(head.ContentType),
		ETag:        etag,
		Provider:    Name,
		Hashes:      hashesFromETag(etag),
	}
	if file.ContentType == "" {
		file.ContentType = contentTypeFor(path)
	}
	if head.LastModified != nil {
		file.Modified = head.LastModified.UTC().Format(time.RFC3339)
	}
	return file
}

func (s *S3) folderMetadata(path wbpath.Path) *metadata.Folder {
	return &metadata.Folder{
		Name:     path.Name(),
		Path:     path.String(),
		Provider: Name,
	}
}

// translate normalises SDK failures into the gateway taxonomy so raw backend
// codes never leak.
func (s *S3) translate(err error, path wbpath.Path) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	var missing *types.NotFound
	switch {
	case errors.As(err, &noKey), errors.As(err, &missing):
		return wberror.New(wberror.NotFound, "could not retrieve %s %q", path.Kind(), path)
	case errors.As(err, &noBucket):
		return wberror.Wrap(wberror.Gone, err, "bucket %q no longer exists", s.bucket)
	default:
		return wberror.Wrap(wberror.ProviderError, err, "s3 request for %q failed", path)
	}
}

// hashesFromETag extracts the md5 from a simple etag. Multipart etags carry
// a part count suffix and are not a content digest.
func hashesFromETag(etag string) map[string]string {
	etag = strings.Trim(etag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return nil
	}
	return map[string]string{"md5": strings.ToLower(etag)}
}

func contentTypeFor(path wbpath.Path) string {
	if ct := mime.TypeByExtension(path.Ext()); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// contentDisposition builds an attachment header, RFC 6266 encoded for
// non-ASCII names.
func contentDisposition(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

func rangeHeader(r *provider.ByteRange) string {
	start, end := "", ""
	if r.Start != nil {
		start = fmt.Sprintf("%d", *r.Start)
	}
	if r.End != nil {
		end = fmt.Sprintf("%d", *r.End)
	}
	return fmt.Sprintf("bytes=%s-%s", start, end)
}

// spool drains r into a temp file so the SDK gets a sized, seekable body.
func spool(r io.Reader) (*streams.FileStream, int64, error) {
	tmp, err := os.CreateTemp("", "wb-s3-upload-*")
	if err != nil {
		return nil, 0, wberror.Wrap(wberror.Unexpected, err, "stage upload")
	}
	os.Remove(tmp.Name()) //nolint:errcheck // unlink now; the fd keeps it alive

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return nil, 0, wberror.Wrap(wberror.Unexpected, err, "spool upload")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close() //nolint:errcheck
		return nil, 0, wberror.Wrap(wberror.Unexpected, err, "rewind spooled upload")
	}
	fs, err := streams.NewFileStream(tmp)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return nil, 0, wberror.Wrap(wberror.Unexpected, err, "stat spooled upload")
	}
	return fs, size, nil
}
