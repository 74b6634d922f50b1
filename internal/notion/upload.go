package notion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/ekuinox/kgd/internal/diary"
)

const statusUploaded = "uploaded"

var errEmptyUpload = errors.New("upload payload is empty")

type fileUploadObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// UploadFile stores data through the file upload API and returns the
// upload id an image block can reference.
func (c *Client) UploadFile(ctx context.Context, filename, mediaType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &diary.PermanentAPIError{Op: "create_upload", Err: errEmptyUpload}
	}

	var created fileUploadObject
	createBody := map[string]string{"filename": filename, "content_type": mediaType}
	if err := c.do(ctx, "create_upload", http.MethodPost, "/v1/file_uploads", createBody, &created); err != nil {
		return "", err
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mediaType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", &diary.PermanentAPIError{Op: "send_upload", Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &diary.PermanentAPIError{Op: "send_upload", Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &diary.PermanentAPIError{Op: "send_upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/file_uploads/"+created.ID+"/send", bytes.NewReader(form.Bytes()))
	if err != nil {
		return "", &diary.PermanentAPIError{Op: "send_upload", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var sent fileUploadObject
	if err := c.send(ctx, "send_upload", req, &sent); err != nil {
		return "", err
	}
	if sent.Status != "" && sent.Status != statusUploaded {
		return "", &diary.PermanentAPIError{
			Op:     "send_upload",
			Status: http.StatusOK,
			Err:    fmt.Errorf("upload %s finished in status %q", created.ID, sent.Status),
		}
	}
	return created.ID, nil
}

// Host uploads converted attachment bytes and satisfies the reconciler's
// media host contract.
func (c *Client) Host(ctx context.Context, filename, mediaType string, data []byte) (diary.HostedMedia, error) {
	uploadID, err := c.UploadFile(ctx, filename, mediaType, data)
	if err != nil {
		return diary.HostedMedia{}, err
	}
	return diary.HostedMedia{UploadID: uploadID}, nil
}
