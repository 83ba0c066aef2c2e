package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"
)

const requestTimeout = 5 * time.Second

// InitDocument is the /edge/init payload seeding the edge state.
type InitDocument struct {
	Settings       domain.Settings                     `json:"settings"`
	Tasks          map[string]domain.EdgeTask          `json:"tasks"`
	BatteryConfigs map[string]domain.EdgeBatteryConfig `json:"battery_configs"`
	CommsSettings  domain.CommsSettings                `json:"comms_settings"`
	RegisterMap    goodwe_modbus.RegisterMapDocument   `json:"register_map"`
}

// ValidationResult is the payload of the operator validation endpoints.
type ValidationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

// Client is the bootstrap HTTP client. Bootstrap failure at startup is fatal
// for the process; later calls back validation requests from operators.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// EdgeInit fetches the initial edge state.
func (c *Client) EdgeInit(ctx context.Context) (*InitDocument, error) {
	var doc InitDocument
	if err := c.get(ctx, "/edge/init", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ValidateState asks the backend to sanity-check the pushed edge state.
func (c *Client) ValidateState(ctx context.Context) (*ValidationResult, error) {
	var res ValidationResult
	if err := c.get(ctx, "/edge/validate-state", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateModbus asks the backend to verify field-bus connectivity records.
func (c *Client) ValidateModbus(ctx context.Context) (*ValidationResult, error) {
	var res ValidationResult
	if err := c.get(ctx, "/edge/validate-modbus", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bootstrap: GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bootstrap: GET %s: invalid payload: %w", path, err)
	}
	return nil
}
