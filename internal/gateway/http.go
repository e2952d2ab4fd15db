package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

func isTimeoutOrNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// postGenerate speaks the Ollama-style {model, system, prompt} -> streamed
// or single-shot {response} JSON protocol every provider endpoint in this
// codebase has used since the original Ollama client.
func (g *Gateway) postGenerate(ctx context.Context, ep Endpoint, system, prompt string) (string, error) {
	reqBody, err := json.Marshal(generateRequest{Model: ep.Model, System: system, Prompt: prompt})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var single generateResponse
	if err := json.Unmarshal(body, &single); err == nil && single.Response != "" {
		return single.Response, nil
	}

	var out string
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var chunk generateResponse
		if err := decoder.Decode(&chunk); err != nil {
			break
		}
		out += chunk.Response
	}
	return out, nil
}

// streamGenerate is like postGenerate but forwards each decoded chunk to
// onToken as it arrives, for chat_stream.
func (g *Gateway) streamGenerate(ctx context.Context, ep Endpoint, system, prompt string, onToken func(string)) (string, error) {
	reqBody, err := json.Marshal(generateRequest{Model: ep.Model, System: system, Prompt: prompt})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var assembled string
	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var chunk generateResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return assembled, err
		}
		if chunk.Response != "" {
			assembled += chunk.Response
			onToken(chunk.Response)
		}
		if chunk.Done {
			break
		}
		select {
		case <-ctx.Done():
			return assembled, ctx.Err()
		default:
		}
	}
	return assembled, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (g *Gateway) postEmbed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{Model: g.Embedding.Model, Prompt: text})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Embedding.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var er embeddingResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, err
	}
	return normalizeToFloat32(er.Embedding), nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (g *Gateway) postTranscribe(ctx context.Context, audio []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Transcription.URL, bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var tr transcriptionResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", err
	}
	return tr.Text, nil
}
