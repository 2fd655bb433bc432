package template

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownTemplate = errors.New("unknown dress template")
	ErrInvalidCatalog  = errors.New("invalid template catalog")
)

// SilhouetteType 裙型类别，决定叠加形状和锚点逻辑
type SilhouetteType string

const (
	EveningGown   SilhouetteType = "evening_gown"
	WeddingDress  SilhouetteType = "wedding_dress"
	CocktailDress SilhouetteType = "cocktail_dress"
	FormalGown    SilhouetteType = "formal_gown"
)

// ValidSilhouette 检查裙型是否受支持
func ValidSilhouette(t SilhouetteType) bool {
	switch t {
	case EveningGown, WeddingDress, CocktailDress, FormalGown:
		return true
	default:
		return false
	}
}

// RGB 渲染用颜色
type RGB struct {
	R uint8 `yaml:"r" json:"r"`
	G uint8 `yaml:"g" json:"g"`
	B uint8 `yaml:"b" json:"b"`
}

// RenderParams 裙装渲染参数
type RenderParams struct {
	BodiceColor RGB     `yaml:"bodice_color" json:"bodice_color"`
	SkirtColor  RGB     `yaml:"skirt_color" json:"skirt_color"`
	Opacity     float64 `yaml:"opacity" json:"opacity"`
	IncludeVeil bool    `yaml:"include_veil" json:"include_veil"`
}

// Template 裙装模板，加载后不可变
// 会话持有模板的值拷贝，不会产生可变别名
type Template struct {
	ID          string         `yaml:"id" json:"id"`
	DisplayName string         `yaml:"display_name" json:"display_name"`
	Type        SilhouetteType `yaml:"type" json:"type"`
	Description string         `yaml:"description" json:"description"`
	Params      RenderParams   `yaml:"params" json:"params"`
}

// Store 裙装模板库，加载后只读，可在所有会话间无锁共享
type Store struct {
	templates map[string]Template
	order     []string

	// 只保护懒加载的list缓存
	mu        sync.Mutex
	listCache []Template
}

// NewStore 从模板切片创建模板库
func NewStore(templates []Template) (*Store, error) {
	s := &Store{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: template id is empty", ErrInvalidCatalog)
		}
		if !ValidSilhouette(t.Type) {
			return nil, fmt.Errorf("%w: template %q has unsupported type %q", ErrInvalidCatalog, t.ID, t.Type)
		}
		if _, dup := s.templates[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate template id %q", ErrInvalidCatalog, t.ID)
		}
		if t.Params.Opacity <= 0 || t.Params.Opacity > 1 {
			return nil, fmt.Errorf("%w: template %q opacity out of range", ErrInvalidCatalog, t.ID)
		}
		s.templates[t.ID] = t
		s.order = append(s.order, t.ID)
	}
	if len(s.templates) == 0 {
		return nil, fmt.Errorf("%w: no templates", ErrInvalidCatalog)
	}
	return s, nil
}

// catalogFile YAML目录文件结构
type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadFromFile 从YAML目录文件加载模板库
func LoadFromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog failed: %w", err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	return NewStore(catalog.Templates)
}

// DefaultStore 返回内置模板库
func DefaultStore() *Store {
	s, err := NewStore(DefaultTemplates())
	if err != nil {
		panic(err) // 内置模板必须合法
	}
	return s
}

// DefaultTemplates 内置裙装模板
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:          "evening_gown_classic",
			DisplayName: "Classic Evening Gown",
			Type:        EveningGown,
			Description: "Elegant floor-length evening gown",
			Params: RenderParams{
				BodiceColor: RGB{R: 75, G: 0, B: 130},
				SkirtColor:  RGB{R: 123, G: 104, B: 238},
				Opacity:     0.7,
			},
		},
		{
			ID:          "wedding_dress_ball",
			DisplayName: "Ball Gown Wedding Dress",
			Type:        WeddingDress,
			Description: "Traditional white ball gown with veil",
			Params: RenderParams{
				BodiceColor: RGB{R: 255, G: 255, B: 255},
				SkirtColor:  RGB{R: 250, G: 250, B: 250},
				Opacity:     0.8,
				IncludeVeil: true,
			},
		},
		{
			ID:          "cocktail_dress_black",
			DisplayName: "Little Black Dress",
			Type:        CocktailDress,
			Description: "Classic black cocktail dress",
			Params: RenderParams{
				BodiceColor: RGB{R: 20, G: 20, B: 20},
				SkirtColor:  RGB{R: 20, G: 20, B: 20},
				Opacity:     0.75,
			},
		},
		{
			ID:          "formal_gown_purple",
			DisplayName: "Purple Formal Gown",
			Type:        FormalGown,
			Description: "Elegant purple formal gown",
			Params: RenderParams{
				BodiceColor: RGB{R: 128, G: 0, B: 128},
				SkirtColor:  RGB{R: 138, G: 43, B: 226},
				Opacity:     0.7,
			},
		},
	}
}

// Get 按ID查找模板
func (s *Store) Get(id string) (Template, error) {
	t, ok := s.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	return t, nil
}

// GetByType 按裙型查找第一个匹配模板
func (s *Store) GetByType(t SilhouetteType) (Template, error) {
	for _, id := range s.order {
		if s.templates[id].Type == t {
			return s.templates[id], nil
		}
	}
	return Template{}, fmt.Errorf("%w: no template of type %q", ErrUnknownTemplate, t)
}

// Default 返回目录中的第一个模板，作为会话的初始模板
func (s *Store) Default() Template {
	return s.templates[s.order[0]]
}

// List 返回全部模板，顺序稳定
func (s *Store) List() []Template {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listCache == nil {
		s.listCache = make([]Template, 0, len(s.order))
		for _, id := range s.order {
			s.listCache = append(s.listCache, s.templates[id])
		}
	}
	out := make([]Template, len(s.listCache))
	copy(out, s.listCache)
	return out
}

// Len 返回模板数量
func (s *Store) Len() int {
	return len(s.templates)
}

// Customization 用户自定义覆盖项，nil字段保持模板原值
type Customization struct {
	BodiceColor *RGB     `json:"bodice_color,omitempty"`
	SkirtColor  *RGB     `json:"skirt_color,omitempty"`
	Opacity     *float64 `json:"opacity,omitempty"`
	IncludeVeil *bool    `json:"include_veil,omitempty"`
}

// Customize 在模板副本上应用用户自定义，不影响库中原模板
func (s *Store) Customize(id string, c Customization) (Template, error) {
	t, err := s.Get(id)
	if err != nil {
		return Template{}, err
	}

	custom := t
	custom.ID = t.ID + "_custom"
	custom.DisplayName = "Custom " + t.DisplayName
	if c.BodiceColor != nil {
		custom.Params.BodiceColor = *c.BodiceColor
	}
	if c.SkirtColor != nil {
		custom.Params.SkirtColor = *c.SkirtColor
	}
	if c.Opacity != nil {
		if *c.Opacity <= 0 || *c.Opacity > 1 {
			return Template{}, fmt.Errorf("%w: opacity out of range", ErrInvalidCatalog)
		}
		custom.Params.Opacity = *c.Opacity
	}
	if c.IncludeVeil != nil {
		custom.Params.IncludeVeil = *c.IncludeVeil
	}
	return custom, nil
}
