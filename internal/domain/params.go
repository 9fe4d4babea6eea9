package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ModelType string

const (
	ModelDetection      ModelType = "DETECTION"
	ModelSegmentation   ModelType = "SEGMENTATION"
	ModelClassification ModelType = "CLASSIFICATION"
	ModelPose           ModelType = "POSE"
)

const (
	DefaultConfidenceThreshold = 0.25
	DefaultMaxObjects          = 300
	DefaultModelSize           = "small"
)

// AllModelTypes is the default service set: every model runs on the image.
func AllModelTypes() []ModelType {
	return []ModelType{ModelDetection, ModelSegmentation, ModelClassification, ModelPose}
}

// Parameters is the configuration snapshot captured when a job is created.
type Parameters struct {
	ConfidenceThreshold *float64    `json:"confidence_threshold" validate:"required,gte=0,lte=1"`
	MaxObjects          int         `json:"max_objects" validate:"gte=1,lte=1000"`
	ModelTypes          []ModelType `json:"model_types" validate:"min=1,unique,dive,oneof=DETECTION SEGMENTATION CLASSIFICATION POSE"`
	ModelSize           string      `json:"model_size" validate:"oneof=nano small medium large extreme"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Threshold returns the confidence threshold, or the default when unset.
func (p Parameters) Threshold() float64 {
	if p.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *p.ConfidenceThreshold
}

// WithDefaults fills options the caller left empty. An explicit zero
// confidence threshold is kept.
func (p Parameters) WithDefaults() Parameters {
	if p.ConfidenceThreshold == nil {
		v := DefaultConfidenceThreshold
		p.ConfidenceThreshold = &v
	} else {
		v := *p.ConfidenceThreshold
		p.ConfidenceThreshold = &v
	}
	if p.MaxObjects == 0 {
		p.MaxObjects = DefaultMaxObjects
	}
	if len(p.ModelTypes) == 0 {
		p.ModelTypes = AllModelTypes()
	} else {
		types := make([]ModelType, len(p.ModelTypes))
		for i, t := range p.ModelTypes {
			types[i] = ModelType(strings.ToUpper(strings.TrimSpace(string(t))))
		}
		p.ModelTypes = types
	}
	if p.ModelSize == "" {
		p.ModelSize = DefaultModelSize
	}
	p.ModelSize = strings.ToLower(p.ModelSize)
	return p
}

// Validate checks the parameters against the recognized bounds. The
// returned error wraps ErrInvalidParameters.
func (p Parameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
		return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(fields, "; "))
	}
	return nil
}

func Float(v float64) *float64 { return &v }
