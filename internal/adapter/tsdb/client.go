package tsdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/berfenger/furi/internal/config"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	MEASUREMENT_SENSOR_VALUE = "sensor_value"

	defaultConnectTimeout = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("influxdb is disabled")
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

// SensorWriter records sensor values into a time series store.
type SensorWriter interface {
	WriteSensorValue(deviceID, sensorID int64, value string, at time.Time)
	Flush()
	Close() error
}

type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu      sync.RWMutex
	onError func(err error)
}

func Connect(cfg config.InfluxConfig) (*Client, error) {
	if !cfg.Enable {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(5000))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.handleWriteErrors(c.writeAPI.Errors())
	return c, nil
}

func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

func (c *Client) WriteSensorValue(deviceID, sensorID int64, value string, at time.Time) {
	c.writeAPI.WritePoint(SensorPoint(deviceID, sensorID, value, at))
}

func (c *Client) Flush() {
	c.writeAPI.Flush()
}

func (c *Client) Close() error {
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// SensorPoint always stores the raw string value; numeric values are also
// stored as a float field so they can be charted.
func SensorPoint(deviceID, sensorID int64, value string, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"value": value,
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		fields["numeric"] = f
	}
	return write.NewPoint(
		MEASUREMENT_SENSOR_VALUE,
		map[string]string{
			"device_id": strconv.FormatInt(deviceID, 10),
			"sensor_id": strconv.FormatInt(sensorID, 10),
		},
		fields,
		at,
	)
}
