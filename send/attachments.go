package send

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport/poll"
	"golang.org/x/crypto/blake2b"
)

const uploadChunkSize = 64 * 1024

var errAttachmentsLost = errors.New("send: attachment streams are no longer available")

// pendingUploads holds the local streams of a message until every one of them is uploaded. A stream is read and
// encrypted once; a retried round uploads the same blob again and resumes after the last finished attachment.
type pendingUploads struct {
	streams  []*content.AttachmentStream
	prepared []*preparedAttachment
	pointers []*content.AttachmentPointer
}

type preparedAttachment struct {
	blob    []byte
	pointer *content.AttachmentPointer
}

func (m *Manager) setUploads(id int64, streams []*content.AttachmentStream) {
	m.uploadsLock.Lock()
	defer m.uploadsLock.Unlock()
	m.uploads[id] = &pendingUploads{streams: streams}
}

func (m *Manager) takeUploads(id int64) *pendingUploads {
	m.uploadsLock.Lock()
	defer m.uploadsLock.Unlock()
	pu := m.uploads[id]
	delete(m.uploads, id)
	return pu
}

func (m *Manager) uploadsFor(id int64) *pendingUploads {
	m.uploadsLock.Lock()
	defer m.uploadsLock.Unlock()
	return m.uploads[id]
}

// uploadAttachments encrypts and uploads the streams of rec, then rewrites its stored content with the resulting
// pointers. On success rec is updated in place.
func (m *Manager) uploadAttachments(ctx context.Context, rec *store.OutgoingMessageRecord) error {
	pu := m.uploadsFor(rec.ID)
	if pu == nil {
		return errAttachmentsLost
	}
	for i := len(pu.pointers); i < len(pu.streams); i++ {
		if i == len(pu.prepared) {
			pa, err := prepare(ctx, pu.streams[i])
			if err != nil {
				return err
			}
			pu.prepared = append(pu.prepared, pa)
		}
		p, err := m.upload(ctx, pu.streams[i], pu.prepared[i])
		if err != nil {
			return err
		}
		pu.pointers = append(pu.pointers, p)
	}

	msg, err := m.decodeStored(rec)
	if err != nil {
		return err
	}
	msg.Attachments = append(msg.Attachments, pu.pointers...)
	encoded, err := content.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.db.Run("attachments uploaded", func() error {
		return m.store.UpdateOutgoingContent(rec.ID, encoded, 0)
	}); err != nil {
		return err
	}
	m.takeUploads(rec.ID)
	rec.Content = encoded
	rec.PendingAttachments = 0
	m.log.Debugf("uploaded %d attachments for message %d", len(pu.pointers), rec.ID)
	return nil
}

func prepare(ctx context.Context, s *content.AttachmentStream) (*preparedAttachment, error) {
	plaintext, err := readStream(ctx, s)
	if err != nil {
		return nil, err
	}
	key, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	blob, err := crypto.Seal(key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	digest := blake2b.Sum256(blob)
	return &preparedAttachment{
		blob: blob,
		pointer: &content.AttachmentPointer{
			ContentType: s.ContentType,
			Key:         key,
			Digest:      digest[:],
			Size:        uint64(len(plaintext)),
			Caption:     s.Caption,
			Blurhash:    s.Blurhash,
		},
	}, nil
}

// upload sends the prepared blob. Cancelling the stream aborts an upload in flight. Progress is only reported while
// the stream is read.
func (m *Manager) upload(ctx context.Context, s *content.AttachmentStream, pa *preparedAttachment) (*content.AttachmentPointer, error) {
	if s.Cancelled() {
		return nil, jobs.ErrCancelled
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.Cancel != nil {
		go func() {
			select {
			case <-s.Cancel:
				cancel()
			case <-uploadCtx.Done():
			}
		}()
	}
	res, err := m.transport.UploadAttachment(uploadCtx, pa.blob)
	if err != nil {
		if s.Cancelled() {
			return nil, jobs.ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var se *poll.StatusError
		if errors.As(err, &se) {
			return nil, jobs.RetryLater(err, se.RetryAfter)
		}
		return nil, jobs.RetryLater(err, 0)
	}
	p := *pa.pointer
	p.ID = res.ID
	return &p, nil
}

// readStream drains s in chunks, reporting progress after each one. Cancelling the stream cancels the delivery.
func readStream(ctx context.Context, s *content.AttachmentStream) ([]byte, error) {
	if s.Reader == nil {
		return nil, fmt.Errorf("send: attachment %q has no reader", s.FileName)
	}
	out := make([]byte, 0, s.Size)
	buf := make([]byte, uploadChunkSize)
	for {
		if s.Cancelled() {
			return nil, jobs.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.Reader.Read(buf)
		out = append(out, buf[:n]...)
		if n > 0 && s.Progress != nil {
			s.Progress(uint64(len(out)), s.Size)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("send: reading attachment: %w", err)
		}
	}
}
