package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultTelegramURL = "https://api.telegram.org"

// Telegram sends archives to a chat with the Bot API sendDocument method.
type Telegram struct {
	client  *http.Client
	baseURL string
	token   string
	chatID  string
	caption string
}

type TelegramOption func(*Telegram)

func WithTelegramClient(c *http.Client) TelegramOption {
	return func(t *Telegram) { t.client = c }
}

func WithTelegramURL(u string) TelegramOption {
	return func(t *Telegram) { t.baseURL = u }
}

func WithCaption(caption string) TelegramOption {
	return func(t *Telegram) { t.caption = caption }
}

func NewTelegram(token, chatID string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		client: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout: 30 * time.Second,
			},
		},
		baseURL: defaultTelegramURL,
		token:   token,
		chatID:  chatID,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Telegram) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Deliver streams the document as multipart form data.
func (t *Telegram) Deliver(ctx context.Context, doc Document) error {
	f, err := os.Open(doc.Path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(t.writeForm(mw, f, doc.Name))
	}()

	url := fmt.Sprintf("%s/bot%s/sendDocument", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	defer resp.Body.Close()

	var out telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode == http.StatusOK && out.OK {
		return nil
	}

	code := out.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	return &StatusError{
		Code:        code,
		Description: out.Description,
		After:       time.Duration(out.Parameters.RetryAfter) * time.Second,
	}
}

func (t *Telegram) writeForm(mw *multipart.Writer, r io.Reader, name string) error {
	if err := mw.WriteField("chat_id", t.chatID); err != nil {
		return err
	}
	if t.caption != "" {
		if err := mw.WriteField("caption", t.caption); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("document", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}
