package pipeline

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/jsonproc"
	"github.com/pasturehq/pasture/pkg/llm"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/step"
	"github.com/pasturehq/pasture/pkg/template"
)

// Build compiles a validated, stylesheet-applied PipelineDefinition into a
// runnable Pipeline, wiring each step's kind to a concrete step.Step
// against the given Model Manager.
func Build(def *PipelineDefinition, mm *modelmanager.Manager, cfg config.Config) (*Pipeline, error) {
	if errs := Validate(def.Steps); len(errs) > 0 {
		return nil, ValidateErr(def.Steps)
	}

	p := &Pipeline{Name: def.Name}
	for _, sd := range def.Steps {
		s, err := buildStep(sd, mm, cfg, def.Workdir)
		if err != nil {
			return nil, fmt.Errorf("pipeline: step %q: %w", sd.Name, err)
		}
		p.Steps = append(p.Steps, namedStep{Name: sd.Name, Step: s, DependsOn: sd.DependsOn, ModelName: sd.Model})
	}
	return p, nil
}

// BuildStep compiles a single StepDefinition into a runnable step.Step. It
// is exported for the distributed worker (pkg/worker), which executes one
// step per job rather than a whole pipeline and so has no use for Build's
// dependency validation.
func BuildStep(sd StepDefinition, mm *modelmanager.Manager, cfg config.Config, workdir string) (step.Step, error) {
	return buildStep(sd, mm, cfg, workdir)
}

func buildStep(sd StepDefinition, mm *modelmanager.Manager, cfg config.Config, workdir string) (step.Step, error) {
	switch sd.Kind {
	case "completion":
		return buildCompletion(sd, mm, cfg)
	case "chat":
		return buildChat(sd, mm, cfg)
	case "http":
		return buildHTTP(sd)
	case "read_file":
		path, err := mustTemplate(sd.Path, "path")
		if err != nil {
			return nil, err
		}
		return &step.ReadFileStep{Workdir: workdir, Path: path, Key: sd.Key, Required: sd.Required, Name: sd.Name}, nil
	case "write_file":
		path, err := mustTemplate(sd.Path, "path")
		if err != nil {
			return nil, err
		}
		content, err := mustTemplate(sd.Content, "content")
		if err != nil {
			return nil, err
		}
		return &step.WriteFileStep{Workdir: workdir, Path: path, Content: content, Append: sd.Append, Name: sd.Name}, nil
	case "json_extract":
		return &step.JSONExtractStep{Source: sd.Source, Path: sd.JSONPath, Key: sd.Key, Default: sd.Default, Name: sd.Name}, nil
	case "json_pack":
		return &step.JSONPackStep{Fields: sd.Fields, Key: sd.Key, Name: sd.Name}, nil
	case "regex":
		if _, err := regexp.Compile(sd.Pattern); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", sd.Pattern, err)
		}
		rs := &step.RegexStep{Source: sd.Source, Pattern: sd.Pattern, Group: sd.Group, NoMatch: sd.NoMatch, Key: sd.Key, Name: sd.Name}
		if sd.Replacement != nil {
			rs.HasReplacement = true
			rs.Replacement = *sd.Replacement
		}
		return rs, nil
	case "string_transform":
		old, err := mustTemplate(sd.Old, "old")
		if err != nil {
			return nil, err
		}
		nw, err := mustTemplate(sd.New, "new")
		if err != nil {
			return nil, err
		}
		return &step.StringTransformStep{Source: sd.Source, Ops: sd.Ops, Old: old, New: nw, Key: sd.Key, Name: sd.Name}, nil
	case "assert":
		return &step.AssertStep{Expr: sd.Expr, Name: sd.Name}, nil
	case "sleep":
		d, err := parseDuration(sd.Duration, time.Second)
		if err != nil {
			return nil, err
		}
		return &step.SleepStep{Duration: d, Name: sd.Name}, nil
	case "env":
		def := ""
		if sd.Default != nil {
			def = fmt.Sprint(sd.Default)
		}
		return &step.EnvStep{From: sd.From, Key: sd.Key, Required: sd.Required, Default: def, Name: sd.Name}, nil
	case "for_each":
		if sd.Inner == nil {
			return nil, fmt.Errorf("for_each step requires an inner step definition")
		}
		inner, err := buildStep(*sd.Inner, mm, cfg, workdir)
		if err != nil {
			return nil, fmt.Errorf("for_each inner step: %w", err)
		}
		return &step.ForEachStep{Items: sd.Items, ItemKey: sd.ItemKey, Inner: inner, Key: sd.Key, Name: sd.Name}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", sd.Kind)
	}
}

func mustTemplate(src, field string) (*template.Template, error) {
	if src == "" {
		return template.Parse("")
	}
	tpl, err := template.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return tpl, nil
}

func buildSchema(raw []byte) (*jsonproc.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return jsonproc.CompileSchema(raw)
}

func buildEscalation(modelID string) (llm.Client, string, error) {
	if modelID == "" {
		return nil, "", nil
	}
	client, err := llm.NewClient(modelID)
	if err != nil {
		return nil, "", fmt.Errorf("escalation client: %w", err)
	}
	_, model, err := llm.ParseModelID(modelID)
	if err != nil {
		return nil, "", err
	}
	return client, model, nil
}

func buildCompletion(sd StepDefinition, mm *modelmanager.Manager, cfg config.Config) (step.Step, error) {
	tpl, err := mustTemplate(sd.Prompt, "prompt")
	if err != nil {
		return nil, err
	}
	schema, err := buildSchema(sd.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("output_schema: %w", err)
	}
	s := step.NewCompletionStep(mm, sd.Model, tpl, sd.Options, cfg)
	s.FallbackModels = sd.FallbackModels
	s.OutputSchema = schema
	applyPatchingOverride(sd.Patching, &s.UsePatching, &s.MaxPatchingAttempts, &s.FallbackToText, &s.PatchingPrompt)
	if client, model, err := buildEscalation(sd.Escalation); err != nil {
		return nil, err
	} else {
		s.Escalation, s.EscalationModel = client, model
	}
	return s, nil
}

func buildChat(sd StepDefinition, mm *modelmanager.Manager, cfg config.Config) (step.Step, error) {
	schema, err := buildSchema(sd.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("output_schema: %w", err)
	}
	s := step.NewChatStep(mm, sd.Model, sd.SystemPrompt, sd.Options, cfg)
	s.FallbackModels = sd.FallbackModels
	s.OutputSchema = schema
	applyPatchingOverride(sd.Patching, &s.UsePatching, &s.MaxPatchingAttempts, &s.FallbackToText, &s.PatchingPrompt)
	if client, model, err := buildEscalation(sd.Escalation); err != nil {
		return nil, err
	} else {
		s.Escalation, s.EscalationModel = client, model
	}
	return s, nil
}

func applyPatchingOverride(p *PatchingOverride, enabled *bool, maxAttempts *int, fallbackToText *bool, prompt *string) {
	if p == nil {
		return
	}
	if p.Enabled != nil {
		*enabled = *p.Enabled
	}
	if p.MaxAttempts != nil {
		*maxAttempts = *p.MaxAttempts
	}
	if p.FallbackToText != nil {
		*fallbackToText = *p.FallbackToText
	}
	if p.Prompt != "" {
		*prompt = p.Prompt
	}
}

func buildHTTP(sd StepDefinition) (step.Step, error) {
	url, err := mustTemplate(sd.URL, "url")
	if err != nil {
		return nil, err
	}
	body, err := mustTemplate(sd.Body, "body")
	if err != nil {
		return nil, err
	}
	headers, err := mustTemplate(sd.Headers, "headers")
	if err != nil {
		return nil, err
	}
	method := sd.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := time.Duration(sd.TimeoutSecs * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	responseKey := sd.ResponseKey
	if responseKey == "" {
		responseKey = "response"
	}
	statusKey := sd.StatusKey
	if statusKey == "" {
		statusKey = "status_code"
	}
	return &step.HTTPStep{
		URL: url, Method: method, Body: body, Headers: headers,
		Timeout: timeout, ResponseKey: responseKey, StatusKey: statusKey,
		FailNon2xx: sd.FailNon2xx, Name: sd.Name,
	}, nil
}
