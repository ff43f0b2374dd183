package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/runner"
	"github.com/dunamismax/learnflow/internal/storage"
	"golang.org/x/net/html"
)

const courseSystemPrompt = "You are an expert instructional designer who writes clear, practical corporate training material."

type courseModule struct {
	Index    int       `json:"index"`
	Title    string    `json:"title"`
	HTML     string    `json:"-"`
	Markdown string    `json:"-"`
	Sections []Heading `json:"sections"`
}

type courseResult struct {
	Title       string   `json:"title"`
	Modules     int      `json:"modules"`
	Sections    int      `json:"sections"`
	MarkdownKey string   `json:"markdown_key"`
	HTMLKey     string   `json:"html_key"`
	OutlineKey  string   `json:"outline_key"`
	ModuleTitle []string `json:"module_titles"`
}

func (u *units) coursePlan(job domain.Job) (*runner.Plan, error) {
	var opts domain.CourseContentOptions
	if err := domain.DecodeOptions(job.Options, &opts); err != nil {
		return nil, err
	}
	if opts.ModuleCount == 0 {
		opts.ModuleCount = domain.DefaultModuleCount
	}
	if strings.TrimSpace(opts.Title) == "" {
		opts.Title = "Course " + job.ResourceID
	}
	if strings.TrimSpace(opts.Audience) == "" {
		opts.Audience = "all employees"
	}

	var (
		modules []courseModule
		result  courseResult
	)

	return &runner.Plan{
		Steps: []runner.Step{
			{
				Description: "Loading course outline",
				Run: func(ctx context.Context) error {
					titles, err := u.moduleTitles(ctx, opts)
					if err != nil {
						return err
					}
					modules = make([]courseModule, 0, len(titles))
					for i, title := range titles {
						modules = append(modules, courseModule{Index: i + 1, Title: title})
					}
					return nil
				},
			},
			{
				Description: "Generating module content",
				Run: func(ctx context.Context) error {
					for i := range modules {
						prompt := fmt.Sprintf(
							"Write module %d of %d for the course %q aimed at %s.\nModule title: %s\n"+
								"Answer with an HTML fragment only: use <h2> for the module title, <h3> for sections, "+
								"<p> and <ul> for body text. Include 2-4 sections and one short exercise.",
							modules[i].Index, len(modules), opts.Title, opts.Audience, modules[i].Title,
						)
						out, err := u.complete(ctx, courseSystemPrompt, prompt)
						if err != nil {
							return fmt.Errorf("generate module %d: %w", modules[i].Index, err)
						}
						modules[i].HTML = out
					}
					return nil
				},
			},
			{
				Description: "Sanitizing generated content",
				Run: func(context.Context) error {
					for i := range modules {
						clean := u.sanitizer.Clean(modules[i].HTML)
						if clean == "" {
							return fmt.Errorf("module %d has no usable content after sanitizing", modules[i].Index)
						}
						md, err := u.sanitizer.Markdown(clean)
						if err != nil {
							return fmt.Errorf("module %d: %w", modules[i].Index, err)
						}
						sections, err := Outline(clean)
						if err != nil {
							return fmt.Errorf("module %d: %w", modules[i].Index, err)
						}
						modules[i].HTML = clean
						modules[i].Markdown = md
						modules[i].Sections = sections
					}
					return nil
				},
			},
			{
				Description: "Storing course content",
				Run: func(ctx context.Context) error {
					var (
						mdDoc   strings.Builder
						htmlDoc strings.Builder
						titles  = make([]string, 0, len(modules))
						total   int
					)
					fmt.Fprintf(&mdDoc, "# %s\n\n", opts.Title)
					fmt.Fprintf(&htmlDoc, "<h1>%s</h1>\n", html.EscapeString(opts.Title))
					for _, m := range modules {
						mdDoc.WriteString(m.Markdown)
						mdDoc.WriteString("\n\n")
						fmt.Fprintf(&htmlDoc, "<section data-module=\"%d\">\n%s\n</section>\n", m.Index, m.HTML)
						titles = append(titles, m.Title)
						total += len(m.Sections)
					}

					key := func(name string) string {
						return storage.ArtifactKey(job.Kind, job.ResourceID, job.ID, name)
					}
					result = courseResult{
						Title:       opts.Title,
						Modules:     len(modules),
						Sections:    total,
						MarkdownKey: key("content.md"),
						HTMLKey:     key("content.html"),
						OutlineKey:  key("outline.json"),
						ModuleTitle: titles,
					}

					if err := u.artifacts.WriteObject(ctx, result.MarkdownKey, []byte(mdDoc.String()), storage.ContentTypeFor(result.MarkdownKey)); err != nil {
						return err
					}
					if err := u.artifacts.WriteObject(ctx, result.HTMLKey, []byte(htmlDoc.String()), storage.ContentTypeFor(result.HTMLKey)); err != nil {
						return err
					}
					return u.writeJSON(ctx, result.OutlineKey, map[string]any{
						"title":    opts.Title,
						"audience": opts.Audience,
						"modules":  modules,
					})
				},
			},
		},
		Result: summary(&result),
	}, nil
}

// moduleTitles uses the requested topics when given and asks the model for
// an outline otherwise.
func (u *units) moduleTitles(ctx context.Context, opts domain.CourseContentOptions) ([]string, error) {
	titles := make([]string, 0, opts.ModuleCount)
	for _, topic := range opts.Topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			titles = append(titles, topic)
		}
		if len(titles) == opts.ModuleCount {
			return titles, nil
		}
	}
	if len(titles) > 0 {
		return titles, nil
	}

	prompt := fmt.Sprintf(
		"Propose %d module titles for the course %q aimed at %s. Answer with a JSON array of strings only.",
		opts.ModuleCount, opts.Title, opts.Audience,
	)
	out, err := u.complete(ctx, courseSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate outline: %w", err)
	}
	var proposed []string
	if err := json.Unmarshal([]byte(out), &proposed); err != nil {
		return nil, fmt.Errorf("outline is not a JSON array of titles: %w", err)
	}
	for _, title := range proposed {
		if title = strings.TrimSpace(title); title != "" {
			titles = append(titles, title)
		}
		if len(titles) == opts.ModuleCount {
			break
		}
	}
	if len(titles) == 0 {
		return nil, fmt.Errorf("outline contains no module titles")
	}
	return titles, nil
}
