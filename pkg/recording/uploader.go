package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"
)

// HTTPUploader отправляет запись multipart запросом POST <BaseURL>/recordings/
// с полями recording_file, appointment и duration_seconds.
type HTTPUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPUploader создает загрузчик
func NewHTTPUploader(baseURL, token string, timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Upload реализует Uploader
func (u *HTTPUploader) Upload(ctx context.Context, req UploadRequest, progress func(percent int)) error {
	body, contentType, err := buildMultipart(req)
	if err != nil {
		return err
	}

	base, err := url.Parse(u.BaseURL)
	if err != nil {
		return fmt.Errorf("некорректный адрес: %w", err)
	}
	target := base.JoinPath("recordings").String() + "/"

	total := int64(body.Len())
	reader := &progressReader{r: body, total: total, fn: progress, last: -1}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return err
	}
	httpReq.ContentLength = total
	httpReq.Header.Set("Content-Type", contentType)
	if u.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("статус %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

func buildMultipart(req UploadRequest) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="recording_file"; filename=%q`, req.FileName))
	header.Set("Content-Type", mimeType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("appointment", req.SessionID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("duration_seconds", strconv.Itoa(req.DurationSeconds)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// progressReader считает отправленные байты и сообщает процент
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    func(percent int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && p.total > 0 {
		// 100% сообщается только после ответа сервера
		pct := int(p.read * 99 / p.total)
		if pct != p.last {
			p.last = pct
			p.fn(pct)
		}
	}
	return n, err
}
