package persistence

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
)

// blobNameSuffix marks the property that points at an externalized value.
const blobNameSuffix = "BlobName"

// blobNamer names the object holding the value of one property.
type blobNamer func(property string) string

// historyBlobNamer names blobs for a history row:
// <instance>/history-<rowkey>-<EventType>-<Property>.json.gz
func historyBlobNamer(row *Entity) blobNamer {
	eventType := row.GetString(propEventType)
	return func(property string) string {
		return fmt.Sprintf("%s/history-%s-%s-%s.json.gz", row.PartitionKey, row.RowKey, eventType, property)
	}
}

// statusBlobNamer names blobs for a status row:
// <instance>/instance-<executionId>-<Property>.json.gz
func statusBlobNamer(instanceID, executionID string) blobNamer {
	return func(property string) string {
		return fmt.Sprintf("%s/instance-%s-%s.json.gz", instanceID, executionID, property)
	}
}

// compressLargeProperties moves oversized string properties to the object
// store. The property is blanked and <Property>BlobName records the object.
func (h *HistoryStore) compressLargeProperties(ctx context.Context, e *Entity, name blobNamer) error {
	for _, prop := range variableSizeProperties {
		s, ok := e.Properties[prop].(string)
		if !ok || UTF16Len(s) <= h.settings.MaxTablePropertySize {
			continue
		}
		blob := name(prop)
		data, err := gzipString(s)
		if err != nil {
			return fmt.Errorf("compress %s of %s/%s: %w", prop, e.PartitionKey, e.RowKey, err)
		}
		if err := h.objects.Upload(ctx, blob, data); err != nil {
			return fmt.Errorf("upload %s: %w", blob, err)
		}
		e.Set(prop, "")
		e.Set(prop+blobNameSuffix, blob)
	}
	return nil
}

// decompressLargeProperties restores externalized properties in place.
func (h *HistoryStore) decompressLargeProperties(ctx context.Context, e *Entity) error {
	for _, prop := range variableSizeProperties {
		blob := e.GetString(prop + blobNameSuffix)
		if blob == "" {
			continue
		}
		data, err := h.objects.Download(ctx, blob)
		if err != nil {
			return fmt.Errorf("download %s: %w", blob, err)
		}
		s, err := gunzipString(data)
		if err != nil {
			return fmt.Errorf("decompress %s: %w", blob, err)
		}
		e.Set(prop, s)
		delete(e.Properties, prop+blobNameSuffix)
	}
	return nil
}

func gzipString(s string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, strings.NewReader(s)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipString(data []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	var sb strings.Builder
	if _, err := io.Copy(&sb, zr); err != nil {
		return "", err
	}
	return sb.String(), nil
}
