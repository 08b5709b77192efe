package server

import (
	"errors"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// errTraversal 表示解析后的路径逃出了资产根目录。
var errTraversal = errors.New("path escapes asset root")

// staticHandler 兜底服务应用自身的静态资源，目录穿越一律 403。
func staticHandler(root string, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead {
			return c.Status(fiber.StatusMethodNotAllowed).SendString("Method not allowed")
		}

		reqPath := string(c.Request().URI().Path())
		filePath, err := resolveAssetPath(root, reqPath)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action": "static",
				"path":   reqPath,
			}).Warn("static_traversal_blocked")
			return c.Status(fiber.StatusForbidden).SendString("Forbidden")
		}

		data, err := os.ReadFile(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return c.Status(fiber.StatusNotFound).SendString("File not found")
			}
			return c.Status(fiber.StatusInternalServerError).SendString("Server error")
		}

		c.Set("Content-Type", assetContentType(filePath))
		c.Set("Cache-Control", "public, max-age=3600")
		if c.Method() == fiber.MethodHead {
			c.Response().Header.SetContentLength(len(data))
			return nil
		}
		return c.Send(data)
	}
}

// resolveAssetPath 将请求路径映射到资产根目录内的绝对路径，
// 解析结果必须仍在根目录内，否则返回 errTraversal。
func resolveAssetPath(root, reqPath string) (string, error) {
	if reqPath == "" || reqPath == "/" {
		reqPath = "/index.html"
	}

	resolved := filepath.Join(root, filepath.FromSlash(reqPath))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", errTraversal
	}
	return resolved, nil
}

// 流媒体清单/字幕扩展名固定映射，不依赖系统 mime 表。
func assetContentType(filePath string) string {
	switch filepath.Ext(filePath) {
	case ".m3u8":
		return "application/x-mpegURL"
	case ".mpd":
		return "application/dash+xml"
	case ".vtt":
		return "text/vtt; charset=utf-8"
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filePath)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
