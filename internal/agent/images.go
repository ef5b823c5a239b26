package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var creativeKeywords = []string{"design", "image", "illustrat", "visual", "creative", "banner", "logo", "art"}

// Image is the result of a creative side task.
type Image struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// ImageGenerator renders an image for a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*Image, error)
}

// IsCreative reports whether a task or worker name suggests visual output.
func IsCreative(names ...string) bool {
	for _, n := range names {
		n = strings.ToLower(n)
		for _, kw := range creativeKeywords {
			if strings.Contains(n, kw) {
				return true
			}
		}
	}
	return false
}

// HTTPImageClient is an HTTP implementation of the ImageGenerator interface.
type HTTPImageClient struct {
	url    string
	client *http.Client
}

// NewHTTPImageClient creates a new HTTPImageClient.
func NewHTTPImageClient(url string) *HTTPImageClient {
	return &HTTPImageClient{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Generate posts the prompt to the image service and returns the rendered URL.
func (c *HTTPImageClient) Generate(ctx context.Context, prompt string) (*Image, error) {
	requestBody, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/images", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to generate image: status code %d", resp.StatusCode)
	}

	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if img.Prompt == "" {
		img.Prompt = prompt
	}
	return &img, nil
}
