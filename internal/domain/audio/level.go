package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// LevelReference RMS 归一化参考值
const LevelReference = 128.0

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Level 将 0-255 频域幅值换算为 [0,1] 响度: RMS / 128 并截断
// 采集电平条和 VAD 共用同一公式，阈值可以互通
func Level(magnitudes []byte) float64 {
	if len(magnitudes) == 0 {
		return 0
	}
	var sum float64
	for _, m := range magnitudes {
		v := float64(m)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(magnitudes)))
	return math.Min(1, rms/LevelReference)
}

// Analyser 把最近 fftSize 个 PCM 采样转换成字节频域数据
type Analyser struct {
	mu        sync.Mutex
	fftSize   int
	smoothing float64
	fft       *fourier.FFT
	window    []float64
	ring      []float64
	pos       int
	smoothed  []float64
	frame     []float64
}

// NewAnalyser fftSize 需为 2 的幂, smoothing 取值 [0,1)
func NewAnalyser(fftSize int, smoothing float64) *Analyser {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		fftSize = 256
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = 0.8
	}
	window := make([]float64, fftSize)
	for i := range window {
		x := 2 * math.Pi * float64(i) / float64(fftSize)
		window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyser{
		fftSize:   fftSize,
		smoothing: smoothing,
		fft:       fourier.NewFFT(fftSize),
		window:    window,
		ring:      make([]float64, fftSize),
		smoothed:  make([]float64, fftSize/2),
		frame:     make([]float64, fftSize),
	}
}

// FrequencyBinCount 输出数组长度
func (a *Analyser) FrequencyBinCount() int {
	return a.fftSize / 2
}

// Write 写入交织 PCM，多声道取平均
func (a *Analyser) Write(pcm []int16, channels int) {
	if channels <= 0 {
		channels = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+channels <= len(pcm); i += channels {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(pcm[i+ch])
		}
		a.ring[a.pos] = sum / float64(channels) / 32768.0
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// ByteFrequencyData 计算当前频谱，每次调用都会推进平滑状态
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.fftSize
	for i := 0; i < n; i++ {
		a.frame[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	coeffs := a.fft.Coefficients(nil, a.frame)

	bins := n / 2
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]
	scale := 255.0 / (maxDecibels - minDecibels)
	for k := 0; k < bins; k++ {
		c := coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if a.smoothed[k] <= 0 {
			dst[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - minDecibels))
		switch {
		case v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

// Level 当前响度 [0,1]
func (a *Analyser) Level() float64 {
	return Level(a.ByteFrequencyData(nil))
}

// Reset 清空采样和平滑状态
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos = 0
}
