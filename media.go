package folio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/eringen/folio/database"
	"github.com/eringen/folio/editor"
)

const (
	defaultMaxWidth = 1600
	maxAllowedWidth = 2000
	thumbWidth      = 400
	jpegQuality     = 82
	maxUploadSize   = 10 << 20 // 10MB
	maxImagePixels  = 40_000_000
	thumbPrefix     = "thumbs/"
)

// Media is an uploaded image in the media library.
type Media struct {
	ID            int64     `json:"id,string" db:"id"`
	Filename      string    `json:"filename" db:"filename"`
	ThumbFilename string    `json:"thumb_filename" db:"thumb_filename"`
	OriginalName  string    `json:"original_name" db:"original_name"`
	Alt           string    `json:"alt" db:"alt"`
	ContentType   string    `json:"content_type" db:"content_type"`
	Width         int       `json:"width" db:"width"`
	Height        int       `json:"height" db:"height"`
	Size          int       `json:"size" db:"size"`
	URL           string    `json:"url" db:"url"`
	ThumbURL      string    `json:"thumb_url" db:"thumb_url"`
	CreatedAt     time.Time `json:"created_at" db:"-"`
	Created       string    `json:"-" db:"created_at"`
}

// Markup is the editor image node that embeds m.
func (m Media) Markup() string {
	return editor.ImageNode{
		Alt:    m.Alt,
		Src:    m.URL,
		Align:  editor.AlignCenter,
		Width:  m.Width,
		Height: m.Height,
	}.String()
}

// cropRect is an optional crop in source pixels.
type cropRect struct {
	X, Y, W, H int
}

// processedImage is an encoded upload and its thumbnail.
type processedImage struct {
	Data  []byte
	Thumb []byte
	Size  editor.Size
}

// processImage decodes src, applies crop, downscales to maxWidth and
// encodes a JPEG plus a thumbnail. Images declaring more than
// maxImagePixels are rejected before their pixels are decoded.
func processImage(src io.Reader, crop *cropRect, maxWidth int) (processedImage, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return processedImage{}, fmt.Errorf("read image: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return processedImage{}, fmt.Errorf("%w: decode image: %v", ErrInvalidInput, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return processedImage{}, fmt.Errorf("%w: image is %dx%d, at most %d pixels are allowed",
			ErrInvalidInput, cfg.Width, cfg.Height, maxImagePixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return processedImage{}, fmt.Errorf("%w: decode image: %v", ErrInvalidInput, err)
	}

	if crop != nil {
		img, err = cropImage(img, *crop)
		if err != nil {
			return processedImage{}, err
		}
	}

	b := img.Bounds()
	orig := editor.Size{Width: b.Dx(), Height: b.Dy()}
	size := orig.Fit(maxWidth, 0)
	main := scale(img, orig, size)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, main, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return processedImage{}, fmt.Errorf("encode jpeg: %w", err)
	}

	thumbSize := size.Fit(thumbWidth, 0)
	var tbuf bytes.Buffer
	if err := jpeg.Encode(&tbuf, scale(main, size, thumbSize), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return processedImage{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	return processedImage{Data: buf.Bytes(), Thumb: tbuf.Bytes(), Size: size}, nil
}

// cropImage cuts r out of img. The rectangle is clamped to the image
// bounds; an empty intersection is invalid input.
func cropImage(img image.Image, r cropRect) (image.Image, error) {
	if r.W <= 0 || r.H <= 0 {
		return nil, fmt.Errorf("%w: crop width and height must be positive", ErrInvalidInput)
	}
	b := img.Bounds()
	rect := image.Rect(b.Min.X+r.X, b.Min.Y+r.Y, b.Min.X+r.X+r.W, b.Min.Y+r.Y+r.H).Intersect(b)
	if rect.Empty() {
		return nil, fmt.Errorf("%w: crop rectangle is outside the image", ErrInvalidInput)
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

func scale(img image.Image, from, to editor.Size) image.Image {
	if from == to {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, to.Width, to.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// slugifyFilename converts a filename (without extension) to a URL-safe slug.
func slugifyFilename(name string) string {
	ext := filepath.Ext(name)
	s := Slugify(strings.TrimSuffix(name, ext))
	if s == "" {
		s = "image"
	}
	return s
}

// parseUploadOptions reads the crop rectangle and max_width form fields.
func parseUploadOptions(c echo.Context) (*cropRect, int, error) {
	maxWidth := defaultMaxWidth
	if v := c.FormValue("max_width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAllowedWidth {
			return nil, 0, echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("max_width must be between 1 and %d", maxAllowedWidth))
		}
		maxWidth = n
	}

	fields := []string{"crop_x", "crop_y", "crop_w", "crop_h"}
	vals := make([]int, len(fields))
	given := 0
	for i, f := range fields {
		v := c.FormValue(f)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, 0, echo.NewHTTPError(http.StatusBadRequest, f+" must be an integer")
		}
		vals[i] = n
		given++
	}
	switch given {
	case 0:
		return nil, maxWidth, nil
	case len(fields):
		return &cropRect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, maxWidth, nil
	}
	return nil, 0, echo.NewHTTPError(http.StatusBadRequest, "crop needs crop_x, crop_y, crop_w and crop_h")
}

// Store

func (s *Store) uniqueMediaName(ctx context.Context, tx *sqlx.Tx, base string) (string, error) {
	var taken []string
	err := tx.SelectContext(ctx, &taken, tx.Rebind(`
		SELECT filename FROM media WHERE filename = ? OR filename LIKE ?`), base+".jpg", base+"-%")
	if err != nil {
		return "", err
	}
	for i := range taken {
		taken[i] = strings.TrimSuffix(taken[i], ".jpg")
	}
	return nextFreeName(base, taken, "-%d") + ".jpg", nil
}

// ReserveMedia picks a free filename for base and inserts the row. put
// stores the objects and returns their URLs; when it fails the row is
// rolled back.
func (s *Store) ReserveMedia(ctx context.Context, m Media, base string,
	put func(filename, thumb string) (url, thumbURL string, err error)) (Media, error) {
	now := s.now().UTC().Truncate(time.Second)
	m.ID = database.NextID()
	m.CreatedAt = now
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		name, err := s.uniqueMediaName(ctx, tx, base)
		if err != nil {
			return err
		}
		m.Filename, m.ThumbFilename = name, thumbPrefix+name
		if m.URL, m.ThumbURL, err = put(m.Filename, m.ThumbFilename); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO media (id, filename, thumb_filename, original_name, alt, content_type,
				width, height, size, url, thumb_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.Filename, m.ThumbFilename, m.OriginalName, m.Alt, m.ContentType,
			m.Width, m.Height, m.Size, m.URL, m.ThumbURL, database.Timestamp(now))
		return err
	})
	if err != nil {
		return Media{}, fmt.Errorf("save media: %w", err)
	}
	return m, nil
}

const mediaColumns = `id, filename, thumb_filename, original_name, alt, content_type, width, height, size, url, thumb_url, created_at`

func (s *Store) selectMedia(ctx context.Context, where string, args ...any) ([]Media, error) {
	var out []Media
	if err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+mediaColumns+` FROM media `+where), args...); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].CreatedAt = database.ParseTimestamp(out[i].Created)
	}
	return out, nil
}

// ListMedia returns the library, newest first.
func (s *Store) ListMedia(ctx context.Context) ([]Media, error) {
	out, err := s.selectMedia(ctx, `ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	if out == nil {
		out = []Media{}
	}
	return out, nil
}

// GetMedia returns one media row.
func (s *Store) GetMedia(ctx context.Context, id int64) (Media, error) {
	out, err := s.selectMedia(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Media{}, fmt.Errorf("get media %d: %w", id, err)
	}
	if len(out) == 0 {
		return Media{}, ErrNotFound
	}
	return out[0], nil
}

// UpdateMediaAlt sets the alt text.
func (s *Store) UpdateMediaAlt(ctx context.Context, id int64, alt string) (Media, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE media SET alt = ? WHERE id = ?`), alt, id)
	if err != nil {
		return Media{}, fmt.Errorf("update media %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Media{}, ErrNotFound
	}
	return s.GetMedia(ctx, id)
}

// DeleteMedia removes the row.
func (s *Store) DeleteMedia(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM media WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete media %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Handlers

func (a *App) handleUploadMedia(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no file provided")
	}
	if file.Size > maxUploadSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large (max 10MB)")
	}
	crop, maxWidth, err := parseUploadOptions(c)
	if err != nil {
		return err
	}
	alt := strings.TrimSpace(c.FormValue("alt"))
	if len(alt) > 300 {
		return echo.NewHTTPError(http.StatusBadRequest, "alt text is too long")
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	img, err := processImage(io.LimitReader(src, maxUploadSize+1), crop, maxWidth)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	m := Media{
		OriginalName: file.Filename,
		Alt:          alt,
		ContentType:  "image/jpeg",
		Width:        img.Size.Width,
		Height:       img.Size.Height,
		Size:         len(img.Data),
	}
	m, err = a.Store.ReserveMedia(ctx, m, slugifyFilename(file.Filename), func(name, thumb string) (string, string, error) {
		url, err := a.media.Put(ctx, name, "image/jpeg", img.Data)
		if err != nil {
			return "", "", err
		}
		thumbURL, err := a.media.Put(ctx, thumb, "image/jpeg", img.Thumb)
		if err != nil {
			_ = a.media.Delete(ctx, name)
			return "", "", err
		}
		return url, thumbURL, nil
	})
	if err != nil {
		return err
	}
	a.metrics.uploads.Inc()
	a.Log.Info().Str("filename", m.Filename).Int("bytes", m.Size).Msg("media uploaded")
	return c.JSON(http.StatusCreated, map[string]any{"media": m, "markup": m.Markup()})
}

func (a *App) handleListMedia(c echo.Context) error {
	out, err := a.Store.ListMedia(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"media": out})
}

type mediaUpdate struct {
	Alt string `json:"alt" validate:"max=300"`
}

func (a *App) handleUpdateMedia(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req mediaUpdate
	if err := bindValid(c, &req); err != nil {
		return err
	}
	m, err := a.Store.UpdateMediaAlt(c.Request().Context(), id, strings.TrimSpace(req.Alt))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (a *App) handleDeleteMedia(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := a.Store.GetMedia(ctx, id)
	if err != nil {
		return err
	}
	if err := errors.Join(a.media.Delete(ctx, m.Filename), a.media.Delete(ctx, m.ThumbFilename)); err != nil {
		return err
	}
	if err := a.Store.DeleteMedia(ctx, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
