// Package templatestore is a read-only adapter onto the platform's
// prompt-template table (spec: id, name, description, category,
// system_prompt, user_prompt_structure, required_variables[],
// optional_variables[], is_active, created_by, timestamps). Template
// CRUD/import/export lives in the presentation layer and is out of scope
// here; this package only implements the narrow read contract
// templateexec.Store needs to execute a template that already exists.
package templatestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vortexgw/ai-provider-proxy/templateexec"
)

// PromptTemplate is the GORM model backing the prompt-template table.
// RequiredVariables/OptionalVariables are stored as JSON text so the same
// model works unmodified across the Postgres/MySQL/SQLite dialects
// providerrepo already supports.
type PromptTemplate struct {
	ID                  string    `gorm:"primaryKey;size:100" json:"id"`
	Name                string    `gorm:"size:200;not null" json:"name"`
	Description         string    `gorm:"type:text" json:"description"`
	Category            string    `gorm:"size:100" json:"category"`
	Content             string    `gorm:"type:text" json:"content"`
	SystemPrompt        string    `gorm:"type:text" json:"system_prompt"`
	UserPromptStructure string    `gorm:"type:text" json:"user_prompt_structure"`
	RequiredVariables   string    `gorm:"type:text" json:"required_variables"`
	OptionalVariables   string    `gorm:"type:text" json:"optional_variables"`
	IsActive            bool      `gorm:"default:true" json:"is_active"`
	CreatedBy           string    `gorm:"size:100" json:"created_by"`
	Version             int       `gorm:"default:1" json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (PromptTemplate) TableName() string {
	return "prompt_templates"
}

// optionalVariable is the stored shape of one entry in OptionalVariables.
type optionalVariable struct {
	Name         string `json:"name"`
	DefaultValue any    `json:"defaultValue,omitempty"`
}

// Store is a GORM-backed, read-only templateexec.Store.
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates/updates the prompt-template table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&PromptTemplate{})
}

// GetTemplate implements templateexec.Store.
func (s *Store) GetTemplate(ctx context.Context, id string) (*templateexec.Template, error) {
	var row PromptTemplate
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("template %s not found", id)
		}
		return nil, err
	}
	return rowToTemplate(row), nil
}

func rowToTemplate(row PromptTemplate) *templateexec.Template {
	var required []string
	_ = json.Unmarshal([]byte(row.RequiredVariables), &required)

	var optional []optionalVariable
	_ = json.Unmarshal([]byte(row.OptionalVariables), &optional)

	vars := make([]templateexec.Variable, 0, len(required)+len(optional))
	for _, name := range required {
		vars = append(vars, templateexec.Variable{Name: name, Required: true})
	}
	for _, o := range optional {
		vars = append(vars, templateexec.Variable{Name: o.Name, Required: false, DefaultValue: o.DefaultValue})
	}

	content := row.Content
	if content == "" {
		content = row.UserPromptStructure
	}

	return &templateexec.Template{
		ID:           row.ID,
		Name:         row.Name,
		Category:     row.Category,
		Content:      content,
		SystemPrompt: row.SystemPrompt,
		UserPrompt:   row.UserPromptStructure,
		Variables:    vars,
		IsActive:     row.IsActive,
		Version:      row.Version,
	}
}
