package gmail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
)

const batchEndpoint = "https://gmail.googleapis.com/batch/gmail/v1"

// MaxBatchSize is Gmail's cap on messages per multipart batch request.
const MaxBatchSize = 100

// MaxMutationBatchSize is Gmail's cap on ids per batchModify/batchDelete.
const MaxMutationBatchSize = 1000

const crlf = "\r\n"

// encodeBatchRequest builds the multipart/mixed body for a metadata batch.
// Each part carries an embedded HTTP GET for one message id.
func encodeBatchRequest(messageIDs []string, format, boundary string) []byte {
	var buf bytes.Buffer
	for _, id := range messageIDs {
		buf.WriteString("--" + boundary + crlf)
		buf.WriteString("Content-Type: application/http" + crlf)
		buf.WriteString("Content-ID: " + id + crlf)
		buf.WriteString(crlf)
		buf.WriteString(fmt.Sprintf("GET /gmail/v1/users/me/messages/%s?format=%s HTTP/1.1", id, format))
		buf.WriteString(crlf + crlf)
	}
	buf.WriteString("--" + boundary + "--" + crlf)
	return buf.Bytes()
}

// parseBatchResponse splits a multipart batch response and associates each
// part with the requested ids by position. The Content-ID echo is advisory
// only; some proxies rewrite it. Returns one item per requested id, in
// order.
func parseBatchResponse(body []byte, contentType string, messageIDs []string) []BatchItem {
	items := make([]BatchItem, len(messageIDs))
	for i, id := range messageIDs {
		items[i] = BatchItem{ID: id, Err: &ItemError{
			Code: 502, Status: StatusBatchFailed, Message: "missing part in batch response",
		}}
	}

	boundary := boundaryFromContentType(contentType)
	if boundary == "" {
		boundary = boundaryFromBody(body)
	}
	if boundary == "" {
		return items
	}

	parts := splitParts(body, boundary)
	for i, part := range parts {
		if i >= len(items) {
			break
		}
		items[i] = parsePart(messageIDs[i], part)
	}
	return items
}

func boundaryFromContentType(contentType string) string {
	for _, seg := range strings.Split(contentType, ";") {
		seg = strings.TrimSpace(seg)
		if strings.HasPrefix(seg, "boundary=") {
			return strings.Trim(strings.TrimPrefix(seg, "boundary="), `"`)
		}
	}
	return ""
}

// boundaryFromBody falls back to the first "--..." line of the body.
func boundaryFromBody(body []byte) string {
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("--")) && len(line) > 2 {
			return string(bytes.TrimPrefix(line, []byte("--")))
		}
	}
	return ""
}

func splitParts(body []byte, boundary string) [][]byte {
	raw := bytes.Split(body, []byte("--"+boundary))
	var parts [][]byte
	for _, p := range raw {
		trimmed := bytes.TrimSpace(p)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("--")) {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// parsePart extracts the embedded HTTP status and JSON payload of one part.
// The JSON body is located after the first blank line that is followed by a
// line starting with "{" (the part contains two header blocks: the part's
// own and the embedded response's).
func parsePart(id string, part []byte) BatchItem {
	text := strings.ReplaceAll(string(part), "\r\n", "\n")

	status := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "HTTP/") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				status, _ = strconv.Atoi(fields[1])
			}
			break
		}
	}

	jsonStart := strings.Index(text, "\n{")
	if jsonStart < 0 {
		if status >= 200 && status < 300 {
			status = 502
		}
		return BatchItem{ID: id, Err: &ItemError{
			Code: status, Status: httpStatusName(status), Message: "no JSON body in part",
		}}
	}
	payload := strings.TrimSpace(text[jsonStart+1:])

	if status < 200 || status >= 300 {
		item := BatchItem{ID: id, Err: &ItemError{Code: status, Status: httpStatusName(status)}}
		var errResp struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		if json.Unmarshal([]byte(payload), &errResp) == nil && errResp.Error.Code != 0 {
			item.Err.Code = errResp.Error.Code
			item.Err.Message = errResp.Error.Message
			if errResp.Error.Status != "" {
				item.Err.Status = errResp.Error.Status
			}
		}
		return item
	}

	meta, err := parseMessageJSON([]byte(payload))
	if err != nil {
		return BatchItem{ID: id, Err: &ItemError{
			Code: 502, Status: StatusBatchFailed, Message: fmt.Sprintf("parse message: %v", err),
		}}
	}
	return BatchItem{ID: id, Message: meta}
}

func httpStatusName(code int) string {
	switch code {
	case 404:
		return "NOT_FOUND"
	case 403:
		return "PERMISSION_DENIED"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 401:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Gmail message JSON as returned by messages.get.

type messagePayloadJSON struct {
	MimeType string              `json:"mimeType"`
	Filename string              `json:"filename"`
	Headers  []messageHeaderJSON `json:"headers"`
	Body     struct {
		Size int64 `json:"size"`
	} `json:"body"`
	Parts []messagePayloadJSON `json:"parts"`
}

type messageHeaderJSON struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type messageJSON struct {
	ID           string             `json:"id"`
	ThreadID     string             `json:"threadId"`
	LabelIDs     []string           `json:"labelIds"`
	Snippet      string             `json:"snippet"`
	HistoryID    string             `json:"historyId"`
	InternalDate string             `json:"internalDate"`
	SizeEstimate int64              `json:"sizeEstimate"`
	Payload      messagePayloadJSON `json:"payload"`
}

// parseMessageJSON decodes one message and extracts the headers the mirror
// needs: From split into address and display name, Subject, and the first
// List-Unsubscribe URL with https preferred over mailto.
func parseMessageJSON(data []byte) (*MessageMeta, error) {
	var m messageJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	meta := &MessageMeta{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		LabelIDs:     m.LabelIDs,
		Snippet:      m.Snippet,
		SizeEstimate: m.SizeEstimate,
	}
	meta.HistoryID, _ = strconv.ParseUint(m.HistoryID, 10, 64)
	meta.InternalDate, _ = strconv.ParseInt(m.InternalDate, 10, 64)

	for _, h := range m.Payload.Headers {
		switch {
		case strings.EqualFold(h.Name, "From"):
			meta.FromEmail, meta.FromName = parseFromHeader(h.Value)
		case strings.EqualFold(h.Name, "Subject"):
			meta.Subject = h.Value
		case strings.EqualFold(h.Name, "List-Unsubscribe"):
			if meta.UnsubscribeLink == "" {
				meta.UnsubscribeLink = parseUnsubscribeHeader(h.Value)
			}
		}
	}

	collectAttachments(&m.Payload, &meta.Attachments)
	return meta, nil
}

// parseFromHeader splits an RFC 5322 From value into address and display
// name. Malformed values degrade to the raw string as the address.
func parseFromHeader(value string) (email, name string) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value), ""
	}
	return strings.ToLower(addr.Address), addr.Name
}

// parseUnsubscribeHeader picks the first URL from a List-Unsubscribe value,
// preferring https over mailto when both are offered.
func parseUnsubscribeHeader(value string) string {
	var first, firstHTTPS string
	for _, seg := range strings.Split(value, ",") {
		u := strings.Trim(strings.TrimSpace(seg), "<>")
		if u == "" {
			continue
		}
		if first == "" {
			first = u
		}
		if firstHTTPS == "" && strings.HasPrefix(u, "https://") {
			firstHTTPS = u
		}
	}
	if firstHTTPS != "" {
		return firstHTTPS
	}
	return first
}

func collectAttachments(p *messagePayloadJSON, out *[]AttachmentMeta) {
	if p.Filename != "" {
		*out = append(*out, AttachmentMeta{
			Filename: p.Filename,
			MimeType: p.MimeType,
			Size:     p.Body.Size,
		})
	}
	for i := range p.Parts {
		collectAttachments(&p.Parts[i], out)
	}
}
