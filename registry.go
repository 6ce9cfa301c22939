package publishing

import (
	"github.com/newsroomhq/publishing/es/codec"
	"github.com/newsroomhq/publishing/publication"
	"github.com/newsroomhq/publishing/video"
)

// NewRegistry returns a codec registry with every domain event registered.
func NewRegistry() *codec.Registry {
	r := codec.NewRegistry()
	publication.RegisterEvents(r)
	video.RegisterEvents(r)
	return r
}
