package validation

import (
	"fmt"
	"mime/multipart"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/storage/uploads"
)

// FilesLocal is the c.Locals key holding the validated []*multipart.FileHeader.
const FilesLocal = "validated_files"

type Config struct {
	Field             string
	MinFiles          int
	MaxFiles          int
	MaxFileSize       int64
	AllowedExtensions []string
	Logger            *zap.Logger
}

// UploadMiddleware rejects multipart uploads with a bad file count, extension
// or size before any handler state is created.
func UploadMiddleware(cfg Config) fiber.Handler {
	if cfg.Field == "" {
		cfg.Field = "files"
	}
	if cfg.MinFiles <= 0 {
		cfg.MinFiles = 1
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 500
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{"pdf", "txt", "html", "htm"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Expected multipart/form-data upload")
		}

		form, err := c.MultipartForm()
		if err != nil {
			return reject(c, fiber.StatusBadRequest, "Invalid multipart form")
		}

		files := form.File[cfg.Field]
		switch {
		case len(files) < cfg.MinFiles:
			return reject(c, fiber.StatusBadRequest, fmt.Sprintf("At least %d file(s) required in field %q", cfg.MinFiles, cfg.Field))
		case len(files) > cfg.MaxFiles:
			cfg.Logger.Warn("Upload exceeds file limit",
				zap.String("ip", c.IP()),
				zap.Int("files", len(files)),
				zap.Int("max_files", cfg.MaxFiles),
			)
			return reject(c, fiber.StatusBadRequest, fmt.Sprintf("Maximum %d files allowed per batch, got %d", cfg.MaxFiles, len(files)))
		}

		for _, fh := range files {
			if !uploads.HasAllowedExtension(fh.Filename, cfg.AllowedExtensions) {
				return reject(c, fiber.StatusBadRequest, fmt.Sprintf("File %q has unsupported type; allowed: %s", fh.Filename, strings.Join(cfg.AllowedExtensions, ", ")))
			}
			if cfg.MaxFileSize > 0 && fh.Size > cfg.MaxFileSize {
				return reject(c, fiber.StatusRequestEntityTooLarge, fmt.Sprintf("File %q exceeds maximum size", fh.Filename))
			}
		}

		c.Locals(FilesLocal, files)
		return c.Next()
	}
}

// Files returns the uploads accepted by UploadMiddleware.
func Files(c *fiber.Ctx) []*multipart.FileHeader {
	files, _ := c.Locals(FilesLocal).([]*multipart.FileHeader)
	return files
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
