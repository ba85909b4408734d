// Package locator 实现了元素定位器：根据录制时保存的元素描述符，
// 在当前屏幕上重新找到目标 UI 元素。
package locator

import (
	"image"
	"math/bits"

	"github.com/nfnt/resize"
)

// hashW 和 hashH 是差分哈希的降采样尺寸。
// 9x8 的灰度图产生每行 8 个相邻像素对，共 64 位哈希。
const (
	hashW = 9
	hashH = 8
)

// DifferenceHash 计算图像的 64 位差分感知哈希。
// 图像被降采样到 9x8 灰度，每对水平相邻像素比较亮度产生一位。
// 该哈希对均匀的亮度变化和小幅缩放不敏感，适合匹配主题微调后的 UI 元素。
func DifferenceHash(img image.Image) uint64 {
	small := resize.Resize(hashW, hashH, img, resize.Bilinear)

	var hash uint64
	bit := 0
	for y := 0; y < hashH; y++ {
		prev := luminance(small, 0, y)
		for x := 1; x < hashW; x++ {
			cur := luminance(small, x, y)
			if prev < cur {
				hash |= 1 << uint(bit)
			}
			prev = cur
			bit++
		}
	}
	return hash
}

// luminance 返回像素的亮度（ITU-R BT.601 加权）。
func luminance(img image.Image, x, y int) uint32 {
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
	return (299*r + 587*g + 114*bl) / 1000
}

// HammingDistance 返回两个哈希之间不同的位数。
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similarity 返回两个哈希的相似度，取值 [0,1]。
// 相似度 = 1 - 汉明距离/64。
func Similarity(a, b uint64) float64 {
	return 1 - float64(HammingDistance(a, b))/64
}
