package annotation

import "context"

type ShapeType string

const (
	ShapeRectangle ShapeType = "rectangle"
	ShapePolygon   ShapeType = "polygon"
	ShapePolyline  ShapeType = "polyline"
	ShapePoints    ShapeType = "points"
)

// FrameData describes one addressable frame of a job.
type FrameData struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Object is a single labeled shape on a frame.
type Object struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Shape    ShapeType `json:"shape"`
	Points   []float64 `json:"points"`
	Occluded bool      `json:"occluded"`
	ZOrder   int       `json:"z_order"`
}

// AnnotationSet is the collection of objects on one frame.
type AnnotationSet struct {
	Frame   int      `json:"frame"`
	Objects []Object `json:"objects"`
}

// Job is a loaded annotation job. Handles are owned by the provider that
// produced them and must be safe for concurrent use.
type Job interface {
	ID() int
	TaskID() int
	StartFrame() int
	StopFrame() int
	Frame(ctx context.Context, number int) (*FrameData, error)
	Annotations(ctx context.Context, frame int) (*AnnotationSet, error)
	// SaveAnnotations persists pending edits. onStatus may be called any
	// number of times before SaveAnnotations returns.
	SaveAnnotations(ctx context.Context, onStatus func(status string)) error
}

// Editor is implemented by job handles that accept annotation edits.
type Editor interface {
	UpdateAnnotations(ctx context.Context, frame int, objects []Object) error
}

type Task interface {
	ID() int
	Name() string
	Jobs() []Job
}

// TaskFilter selects tasks. The zero value selects all of them; ByTaskID
// selects one task, including the id 0.
type TaskFilter struct {
	ID   int
	ByID bool
}

func ByTaskID(id int) TaskFilter {
	return TaskFilter{ID: id, ByID: true}
}

// Match reports whether a task with the given id passes the filter.
func (f TaskFilter) Match(taskID int) bool {
	return !f.ByID || f.ID == taskID
}

// Provider resolves tasks and their jobs.
type Provider interface {
	Tasks(ctx context.Context, filter TaskFilter) ([]Task, error)
}

func (s *AnnotationSet) Clone() *AnnotationSet {
	if s == nil {
		return nil
	}
	ret := &AnnotationSet{Frame: s.Frame, Objects: make([]Object, len(s.Objects))}
	for i, obj := range s.Objects {
		obj.Points = append([]float64(nil), obj.Points...)
		ret.Objects[i] = obj
	}
	return ret
}

func ValidShape(shape ShapeType) bool {
	switch shape {
	case ShapeRectangle, ShapePolygon, ShapePolyline, ShapePoints:
		return true
	default:
		return false
	}
}
