package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"subscription-service/domain"
)

const modelPartition = "someModel"

// Tables stores models in Azure Table Storage, one partition per model type.
type Tables struct {
	table *aztables.Client
}

// NewTables connects to table in the account behind connStr and creates the
// table when it does not exist yet.
func NewTables(ctx context.Context, connStr, table string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	if _, err := svc.CreateTable(ctx, table, nil); err != nil && !hasStatus(err, http.StatusConflict) {
		return nil, err
	}
	return &Tables{table: svc.NewClient(table)}, nil
}

type modelEntity struct {
	aztables.Entity
	Name string `json:"Name"`
}

func decodeModelEntity(data []byte) (*domain.SomeModel, error) {
	var ent modelEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(ent.RowKey, 10, 64)
	if err != nil {
		return nil, err
	}
	return &domain.SomeModel{ID: id, Name: ent.Name}, nil
}

func encodeModelEntity(m *domain.SomeModel) ([]byte, error) {
	return json.Marshal(modelEntity{
		Entity: aztables.Entity{PartitionKey: modelPartition, RowKey: m.PrimaryKey()},
		Name:   m.Name,
	})
}

func (t *Tables) Create(ctx context.Context, name string) (*domain.SomeModel, error) {
	m := &domain.SomeModel{ID: nextID(), Name: name}
	data, err := encodeModelEntity(m)
	if err != nil {
		return nil, err
	}
	if _, err := t.table.AddEntity(ctx, data, nil); err != nil {
		return nil, err
	}
	return m, nil
}

func (t *Tables) Get(ctx context.Context, id int64) (*domain.SomeModel, error) {
	resp, err := t.table.GetEntity(ctx, modelPartition, strconv.FormatInt(id, 10), nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeModelEntity(resp.Value)
}

func (t *Tables) Update(ctx context.Context, id int64, name string) (*domain.SomeModel, error) {
	m := &domain.SomeModel{ID: id, Name: name}
	data, err := encodeModelEntity(m)
	if err != nil {
		return nil, err
	}
	// UpdateEntity without an ETag still requires the row to exist.
	etag := azcore.ETagAny
	if _, err := t.table.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	}); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (t *Tables) Delete(ctx context.Context, id int64) error {
	if _, err := t.table.DeleteEntity(ctx, modelPartition, strconv.FormatInt(id, 10), nil); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (t *Tables) Close() error { return nil }

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

var lastID int64

// nextID hands out strictly increasing ids based on the wall clock.
func nextID() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastID)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastID, last, now) {
			return now
		}
	}
}

var _ Backend = (*Tables)(nil)
