package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"

	"github.com/maruel/fmdhost/internal/server/dto"
)

// multipartOverhead is the allowance for multipart headers and boundaries
// on top of the file size limit.
const multipartOverhead = 64 * 1024

// findPart streams a multipart request until the first file part whose form
// name is one of names. The caller must close the part.
func findPart(r *http.Request, names ...string) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, dto.BadRequest("Expected a multipart/form-data request")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, dto.MissingField(names[0])
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, dto.PayloadTooLarge(maxBytes.Limit)
			}
			return nil, dto.BadRequest("Malformed multipart body")
		}
		if slices.Contains(names, part.FormName()) && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}
