// Package overlay 把裙装剪影按姿态锚点合成到原始帧上
//
// 这是尽力而为的视觉近似：从少量关键点推出平移/缩放锚定变换，
// 再以模板配置的不透明度填充预定义的多边形剪影。
// 不做物理仿真的裙摆模拟，这是设计上的取舍而非缺陷。
package overlay

import (
	"errors"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/vector"

	"StitcheSenseAR/internal/pose"
	"StitcheSenseAR/internal/template"
)

var ErrMissingAnchors = errors.New("landmark set missing overlay anchors")

// Renderer 裙装叠加渲染器，无内部状态，可并发使用
type Renderer struct{}

// NewRenderer 创建渲染器
func NewRenderer() *Renderer {
	return &Renderer{}
}

type point struct {
	x, y float32
}

// polygon 一块待填充的剪影区域
type polygon struct {
	pts   []point
	color template.RGB
	alpha float64
}

// Render 生成合成图像，输出尺寸与输入一致
func (r *Renderer) Render(src image.Image, ls pose.LandmarkSet, tpl template.Template) (image.Image, error) {
	if ls.Empty() {
		return nil, ErrMissingAnchors
	}
	if err := ls.Validate(); err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	w := float32(bounds.Dx())
	h := float32(bounds.Dy())
	px := func(name pose.LandmarkName) point {
		lm := ls[name]
		return point{
			x: float32(bounds.Min.X) + float32(lm.X)*w,
			y: float32(bounds.Min.Y) + float32(lm.Y)*h,
		}
	}

	var polys []polygon
	switch tpl.Type {
	case template.EveningGown:
		polys = eveningGownShape(px, w, h, tpl.Params)
	case template.WeddingDress:
		polys = weddingDressShape(px, w, h, tpl.Params)
	case template.CocktailDress:
		polys = cocktailDressShape(px, w, h, tpl.Params)
	case template.FormalGown:
		polys = formalGownShape(px, w, h, tpl.Params)
	default:
		return nil, template.ErrUnknownTemplate
	}

	for _, p := range polys {
		fillPolygon(dst, p)
	}
	return dst, nil
}

// eveningGownShape 晚礼服：贴身上衣 + 及膝散摆裙
func eveningGownShape(px func(pose.LandmarkName) point, w, h float32, params template.RenderParams) []polygon {
	ls, rs := px(pose.LeftShoulder), px(pose.RightShoulder)
	lh, rh := px(pose.LeftHip), px(pose.RightHip)
	lk, rk := px(pose.LeftKnee), px(pose.RightKnee)

	hipPad := 0.03 * w
	bodice := []point{ls, rs, {rh.x + hipPad, rh.y}, {lh.x - hipPad, lh.y}}

	shoulderSpan := abs32(rs.x - ls.x)
	skirtFlare := shoulderSpan * 1.25
	skirtDrop := 0.15 * h
	skirt := []point{
		{lh.x - hipPad, lh.y},
		{rh.x + hipPad, rh.y},
		{rk.x + skirtFlare/2, rk.y + skirtDrop},
		{lk.x - skirtFlare/2, lk.y + skirtDrop},
	}

	return []polygon{
		{pts: bodice, color: params.BodiceColor, alpha: params.Opacity},
		{pts: skirt, color: params.SkirtColor, alpha: params.Opacity},
	}
}

// weddingDressShape 婚纱：低领口上衣 + 大摆裙 + 可选头纱
func weddingDressShape(px func(pose.LandmarkName) point, w, h float32, params template.RenderParams) []polygon {
	nose := px(pose.Nose)
	ls, rs := px(pose.LeftShoulder), px(pose.RightShoulder)
	lh, rh := px(pose.LeftHip), px(pose.RightHip)

	neckDrop := 0.04 * h
	hipPad := 0.025 * w
	hipRise := 0.03 * h
	bodice := []point{
		{ls.x, ls.y + neckDrop},
		{rs.x, rs.y + neckDrop},
		{rh.x + hipPad, rh.y - hipRise},
		{lh.x - hipPad, lh.y - hipRise},
	}

	shoulderSpan := abs32(rs.x - ls.x)
	skirtHalf := shoulderSpan * 1.5
	centerX := (lh.x + rh.x) / 2
	hemY := lh.y + 0.3*h
	skirt := []point{
		{lh.x - hipPad, lh.y - hipRise},
		{rh.x + hipPad, rh.y - hipRise},
		{centerX + skirtHalf, hemY},
		{centerX - skirtHalf, hemY},
	}

	polys := []polygon{
		{pts: bodice, color: params.BodiceColor, alpha: params.Opacity},
		{pts: skirt, color: params.SkirtColor, alpha: params.Opacity},
	}

	if params.IncludeVeil {
		veilHalf := 0.12 * w
		veil := []point{
			{nose.x - veilHalf, nose.y - 0.04*h},
			{nose.x + veilHalf, nose.y - 0.04*h},
			{rs.x + 0.06*w, rs.y + 0.09*h},
			{ls.x - 0.06*w, ls.y + 0.09*h},
		}
		// 头纱固定为半透明白色
		polys = append(polys, polygon{
			pts:   veil,
			color: template.RGB{R: 255, G: 255, B: 255},
			alpha: params.Opacity * 0.5,
		})
	}
	return polys
}

// cocktailDressShape 鸡尾酒裙：单片贴身裁剪，长度到膝上
func cocktailDressShape(px func(pose.LandmarkName) point, w, h float32, params template.RenderParams) []polygon {
	ls, rs := px(pose.LeftShoulder), px(pose.RightShoulder)
	lh, rh := px(pose.LeftHip), px(pose.RightHip)

	hemPad := 0.04 * w
	hemDrop := 0.12 * h
	dress := []point{
		ls, rs,
		{rh.x + hemPad, rh.y + hemDrop},
		{lh.x - hemPad, lh.y + hemDrop},
	}
	return []polygon{{pts: dress, color: params.BodiceColor, alpha: params.Opacity}}
}

// formalGownShape 正式礼服：高腰短上衣 + 垂坠到脚踝的长裙
func formalGownShape(px func(pose.LandmarkName) point, w, h float32, params template.RenderParams) []polygon {
	ls, rs := px(pose.LeftShoulder), px(pose.RightShoulder)
	la, ra := px(pose.LeftAnkle), px(pose.RightAnkle)

	empireDrop := 0.09 * h
	bodice := []point{
		ls, rs,
		{rs.x, rs.y + empireDrop},
		{ls.x, ls.y + empireDrop},
	}

	anklePad := 0.045 * w
	skirt := []point{
		{ls.x, ls.y + empireDrop},
		{rs.x, rs.y + empireDrop},
		{ra.x + anklePad, ra.y},
		{la.x - anklePad, la.y},
	}

	return []polygon{
		{pts: bodice, color: params.BodiceColor, alpha: params.Opacity},
		{pts: skirt, color: params.SkirtColor, alpha: params.Opacity},
	}
}

// fillPolygon 用矢量光栅器把多边形按不透明度混合到目标图像
func fillPolygon(dst *image.RGBA, p polygon) {
	if len(p.pts) < 3 {
		return
	}

	bounds := dst.Bounds()
	ras := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	ras.DrawOp = draw.Over

	first := p.pts[0]
	ras.MoveTo(first.x-float32(bounds.Min.X), first.y-float32(bounds.Min.Y))
	for _, pt := range p.pts[1:] {
		ras.LineTo(pt.x-float32(bounds.Min.X), pt.y-float32(bounds.Min.Y))
	}
	ras.ClosePath()

	// 预乘alpha的填充色，Draw以覆盖率作为蒙版完成混合
	a := clamp01(p.alpha)
	fill := color.RGBA{
		R: uint8(float64(p.color.R) * a),
		G: uint8(float64(p.color.G) * a),
		B: uint8(float64(p.color.B) * a),
		A: uint8(a * 255),
	}
	ras.Draw(dst, bounds, image.NewUniform(fill), image.Point{})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
