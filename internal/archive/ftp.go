// Package archive uploads a day's raw readings to an FTP server before the
// rollup prunes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/lox/weatherwatch/internal/models"
)

type Config struct {
	Addr     string // host:port
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

type FTPArchiver struct {
	cfg Config
}

func NewFTPArchiver(cfg Config) *FTPArchiver {
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FTPArchiver{cfg: cfg}
}

// FileName is the remote name of a day's archive.
func FileName(date string) string {
	return "readings-" + date + ".jsonl"
}

// Encode writes one JSON object per reading, raw source payload included.
func Encode(w io.Writer, readings []models.Reading) error {
	enc := json.NewEncoder(w)
	for _, r := range readings {
		rec := struct {
			models.Reading
			Raw json.RawMessage `json:"raw,omitempty"`
		}{Reading: r}
		if r.RawJSON != "" && json.Valid([]byte(r.RawJSON)) {
			rec.Raw = json.RawMessage(r.RawJSON)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode reading %d: %w", r.ID, err)
		}
	}
	return nil
}

// Archive uploads readings as <dir>/readings-<date>.jsonl. The file is
// written under a temporary name and renamed, so a partial upload never
// replaces a complete one.
func (a *FTPArchiver) Archive(ctx context.Context, date string, readings []models.Reading) error {
	var buf bytes.Buffer
	if err := Encode(&buf, readings); err != nil {
		return err
	}

	conn, err := ftp.Dial(a.cfg.Addr, ftp.DialWithTimeout(a.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(a.cfg.User, a.cfg.Password); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}

	if a.cfg.Dir != "" {
		// Fails harmlessly when the directory exists.
		_ = conn.MakeDir(a.cfg.Dir)
	}

	remote := path.Join(a.cfg.Dir, FileName(date))
	tmp := path.Join(a.cfg.Dir, fmt.Sprintf(".upload-%s-%d", date, time.Now().UnixNano()))

	if err := conn.Stor(tmp, &buf); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("ftp stor: %w", err)
	}
	if err := conn.Rename(tmp, remote); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("ftp rename: %w", err)
	}
	return nil
}
