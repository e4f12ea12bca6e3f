package types

import "time"

// EventAssetUploaded is the event kind published after an upload is stored.
const EventAssetUploaded = "asset.uploaded"

// UploadedAsset describes a stored upload and where it can be fetched from.
type UploadedAsset struct {
	// GeneratedName is the collision-resistant object key the bytes were
	// stored under: <unix millis>-<random>-<sanitized original name>.
	GeneratedName string `json:"generated_name"`

	// OriginalName is the filename supplied by the client.
	OriginalName string `json:"original_name"`

	// StoragePath is the backend-specific location of the object
	// (a filesystem path or bucket/key).
	StoragePath string `json:"storage_path"`

	// RetrievalURL is the public URL the asset can be downloaded from.
	RetrievalURL string `json:"retrieval_url"`

	// ContentType is the MIME type reported or sniffed for the upload.
	ContentType string `json:"content_type,omitempty"`

	// Size is the stored size in bytes.
	Size int64 `json:"size"`

	// UploadedAt is the time the asset was persisted.
	UploadedAt time.Time `json:"uploaded_at"`
}

// ImageAnalysis is the response returned for an analyzed image upload.
type ImageAnalysis struct {
	Message  string `json:"message"`
	Analysis string `json:"analysis"`
	ImageURL string `json:"imageUrl"`
}
