package content

import "io"

// ProgressListener is told how many bytes of total have been transferred. It is called on the uploading goroutine.
type ProgressListener func(transferred, total uint64)

// AttachmentStream is a local attachment waiting to be uploaded. Once handed to the send pipeline the uploader owns
// Reader until the upload completes or fails.
type AttachmentStream struct {
	ContentType string
	Size        uint64
	Reader      io.Reader
	FileName    string
	Caption     string
	Blurhash    string
	Progress    ProgressListener
	Cancel      <-chan struct{}
}

func (s *AttachmentStream) Cancelled() bool {
	if s.Cancel == nil {
		return false
	}
	select {
	case <-s.Cancel:
		return true
	default:
		return false
	}
}
