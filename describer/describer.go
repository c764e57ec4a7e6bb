package describer

import "context"

// Describer describes a medical image using a specific vision-language model.
type Describer interface {
	// Name returns the name of the backend, e.g. "blip" or "ollama"
	Name() string

	// Model returns the name of the model the backend runs.
	Model() string

	// DescribeImage returns the model's answer to prompt about the provided
	// image. The image data should be the full contents of a JPEG file
	// including the header. The provided ctx is used as a parent context for
	// the request to the model server.
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)

	// IsHealthy returns whether the model server is healthy.
	IsHealthy(ctx context.Context) bool
}
