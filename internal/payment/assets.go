package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pay/internal/obs"
	"github.com/noah-isme/toko-pay/internal/resilience"
)

// ObjectStorage lists and moves objects in the storefront's file bucket.
type ObjectStorage interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Move(ctx context.Context, from, to string) error
}

// StorageClient talks to the storage platform's REST API.
type StorageClient struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
	HTTP       *resilience.HTTPClient
}

type storageObject struct {
	Name string  `json:"name"`
	ID   *string `json:"id"`
}

// List returns the file names directly under prefix. Folder placeholders are skipped.
func (c StorageClient) List(ctx context.Context, prefix string) ([]string, error) {
	body := map[string]any{
		"prefix": prefix,
		"limit":  1000,
		"offset": 0,
	}
	var objects []storageObject
	if err := c.call(ctx, "/storage/v1/object/list/"+c.Bucket, body, &objects); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		if obj.ID == nil || obj.Name == "" {
			continue
		}
		names = append(names, obj.Name)
	}
	return names, nil
}

// Move renames an object within the bucket.
func (c StorageClient) Move(ctx context.Context, from, to string) error {
	body := map[string]string{
		"bucketId":       c.Bucket,
		"sourceKey":      from,
		"destinationKey": to,
	}
	return c.call(ctx, "/storage/v1/object/move", body, nil)
}

func (c StorageClient) call(ctx context.Context, endpoint string, body any, out any) error {
	if c.HTTP == nil || c.BaseURL == "" || c.Bucket == "" {
		return errors.New("storage: client not configured")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.ServiceKey)
	req.Header.Set("apikey", c.ServiceKey)
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("storage %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("storage %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AssetMover relocates files uploaded before checkout into the order's folder.
type AssetMover struct {
	Storage    ObjectStorage
	Orders     OrderStore
	TempPrefix string
	Logger     zerolog.Logger
}

// Relocate moves <temp>/<anonymousId>/* and <temp>/<orderId>/* to
// orders/<orderId>/*. Already moved files are simply no longer listed, so
// reruns are safe.
func (m *AssetMover) Relocate(ctx context.Context, orderID string) (int, error) {
	order, err := m.Orders.GetOrder(ctx, orderID)
	if err != nil {
		obs.IncCounter(obs.AssetRelocationTotal, "error")
		return 0, fmt.Errorf("load order %s: %w", orderID, err)
	}
	temp := m.TempPrefix
	if temp == "" {
		temp = "temp"
	}
	owners := []string{order.AnonymousID}
	if order.ID != order.AnonymousID {
		owners = append(owners, order.ID)
	}

	moved := 0
	var errs error
	for _, owner := range owners {
		if strings.TrimSpace(owner) == "" {
			continue
		}
		src := path.Join(temp, owner)
		names, err := m.Storage.List(ctx, src)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		for _, name := range names {
			dst := path.Join("orders", order.ID, name)
			if err := m.Storage.Move(ctx, path.Join(src, name), dst); err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			moved++
		}
	}
	result := "success"
	if errs != nil {
		result = "error"
	}
	obs.IncCounter(obs.AssetRelocationTotal, result)
	m.Logger.Info().Str("order_id", order.ID).Int("moved", moved).Err(errs).Msg("order assets relocated")
	return moved, errs
}
