package library

// Manifest is the task.yaml file that declares a task and its jobs.
type Manifest struct {
	ID        int           `yaml:"id" validate:"required,gt=0"`
	Name      string        `yaml:"name" validate:"required"`
	Labels    []string      `yaml:"labels" validate:"required,min=1,dive,required"`
	FramesDir string        `yaml:"frames_dir"`
	Jobs      []JobManifest `yaml:"jobs" validate:"required,min=1,dive"`
}

type JobManifest struct {
	ID         int `yaml:"id" validate:"required,gt=0"`
	StartFrame int `yaml:"start_frame" validate:"gte=0"`
	StopFrame  int `yaml:"stop_frame" validate:"gtefield=StartFrame"`
}

type JobSummary struct {
	ID         int   `json:"id"`
	TaskID     int   `json:"task_id"`
	StartFrame int   `json:"start_frame"`
	StopFrame  int   `json:"stop_frame"`
	Unsaved    []int `json:"unsaved_frames"`
}

type TaskSummary struct {
	ID         int          `json:"id"`
	Name       string       `json:"name"`
	Labels     []string     `json:"labels"`
	FrameCount int          `json:"frame_count"`
	Jobs       []JobSummary `json:"jobs"`
}
