package main

import (
	"context"

	"go.uber.org/zap"

	"devicelink/payload"
)

// registerPayloadHandlers logs every typed document. Rendering and clipboard
// integration belong to the host application.
func registerPayloadHandlers(registry *payload.Registry, logger *zap.Logger) {
	log := logger.Named("payload")

	payload.Register(registry, payload.TagNotification, func(_ context.Context, deviceID string, n payload.Notification) error {
		log.Info("notification", zap.String("device_id", deviceID), zap.String("app", n.AppName), zap.String("title", n.Title))
		return nil
	})
	payload.Register(registry, payload.TagClipboard, func(_ context.Context, deviceID string, c payload.ClipboardUpdate) error {
		log.Info("clipboard update", zap.String("device_id", deviceID), zap.Int("length", len(c.Text)))
		return nil
	})
	payload.Register(registry, payload.TagFileTransferOffer, func(_ context.Context, deviceID string, o payload.FileTransferOffer) error {
		log.Info("file transfer offer",
			zap.String("device_id", deviceID),
			zap.String("file_id", o.FileID),
			zap.String("file_name", o.FileName),
			zap.Int64("file_size", o.FileSize),
		)
		return nil
	})
	payload.Register(registry, payload.TagMediaControl, func(_ context.Context, deviceID string, m payload.MediaControl) error {
		log.Info("media control", zap.String("device_id", deviceID), zap.String("action", m.Action))
		return nil
	})
	payload.Register(registry, payload.TagAppListRequest, func(_ context.Context, deviceID string, _ payload.AppListRequest) error {
		log.Info("app list requested", zap.String("device_id", deviceID))
		return nil
	})
	payload.Register(registry, payload.TagIconRequest, func(_ context.Context, deviceID string, r payload.IconRequest) error {
		log.Info("icon requested", zap.String("device_id", deviceID), zap.String("app", r.AppPackage))
		return nil
	})
}
