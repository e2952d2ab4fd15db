package api

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// writeSSE writes one server-sent event of the given type, JSON-encoding
// payload as the data field plus a type discriminant.
func writeSSE(w *bufio.Writer, eventType string, payload fiber.Map) {
	payload["type"] = eventType
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"type":"error","kind":"Internal","message":"encode failure"}`))
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
}
