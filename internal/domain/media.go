package domain

import "time"

// MediaAsset is one generated image persisted on local disk.
// It is only created once the file is fully written.
type MediaAsset struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Path        string    `json:"-"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// URL returns the public address of the asset under base.
func (a *MediaAsset) URL(base string) string {
	return base + "/media/" + a.ID
}
