package domain

import "time"

// TimeEntry records how a student spends a block of time.
type TimeEntry struct {
	ID              string    `json:"id"`
	StudentID       string    `json:"student_id"`
	Activity        string    `json:"activity"`
	DurationMinutes int       `json:"duration_minutes"`
	HalfLife        string    `json:"half_life"`
	BenefitValue    int       `json:"benefit_value"`
	CreatedAt       time.Time `json:"created_at"`
}

// Goal is a direction the student chose to improve in.
type Goal struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	Scenario       Scenario  `json:"scenario"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	FiveYearVision string    `json:"five_year_vision,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ActionPlan breaks a goal into core and supporting tasks.
type ActionPlan struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	Title        string    `json:"title"`
	CoreTasks    []string  `json:"core_tasks"`
	SupportTasks []string  `json:"support_tasks"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// LearningRecord captures something the student learned or practiced.
type LearningRecord struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Module    string    `json:"module"`
	Scenario  Scenario  `json:"scenario"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Records groups every record owned by a student.
type Records struct {
	TimeEntries     []*TimeEntry      `json:"time_entries"`
	Goals           []*Goal           `json:"goals"`
	ActionPlans     []*ActionPlan     `json:"action_plans"`
	LearningRecords []*LearningRecord `json:"learning_records"`
}
