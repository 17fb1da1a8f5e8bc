package stream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// v4l2DefaultWidth などは設定が指定されなかった場合の既定値
const (
	v4l2DefaultWidth  = 640
	v4l2DefaultHeight = 480
	v4l2DefaultFPS    = 15
)

// v4l2SupportedResolutions はUVCカメラで一般的にサポートされる解像度
var v4l2SupportedResolutions = [][2]int{
	{640, 480},
	{1280, 720},
	{1920, 1080},
}

// V4L2Provider はV4L2デバイスに対するMediaProviderの実装
// デバイス情報の取得にはv4l2-ctl、キャプチャにはffmpegを使用する
type V4L2Provider struct {
	defaultDevice string // 空なら列挙の先頭を使用
}

// NewV4L2Provider は新しいV4L2Providerを作成する
func NewV4L2Provider(defaultDevice string) *V4L2Provider {
	return &V4L2Provider{defaultDevice: defaultDevice}
}

// EnumerateDevices は/dev/video*から利用可能な映像入力デバイスを列挙する
func (p *V4L2Provider) EnumerateDevices(ctx context.Context) ([]DeviceRecord, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var records []DeviceRecord
	for _, device := range matches {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		default:
		}

		if !deviceReadable(device) {
			continue
		}

		records = append(records, DeviceRecord{
			ID:    device,
			Kind:  DeviceKindVideoInput,
			Label: deviceLabel(ctx, device),
		})
	}

	return records, nil
}

// Acquire は指定された設定でキャプチャを開始する
// 失敗はシンボリックな名前を持つPlatformErrorとして返す
func (p *V4L2Provider) Acquire(ctx context.Context, profile ConstraintProfile) (CaptureHandle, error) {
	device := profile.DeviceID
	if device == "" {
		device = p.defaultDevice
	}
	if device == "" {
		records, err := p.EnumerateDevices(ctx)
		if err != nil {
			return nil, &PlatformError{Name: "NotFoundError", Cause: err}
		}
		if len(records) == 0 {
			return nil, &PlatformError{Name: "NotFoundError"}
		}
		device = records[0].ID
	}

	// デバイスファイルの存在確認
	if _, err := os.Stat(device); err != nil {
		return nil, &PlatformError{Name: "NotFoundError", Cause: err}
	}

	// 読み取り権限の確認
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &PlatformError{Name: "NotAllowedError", Cause: err}
		}
		return nil, &PlatformError{Name: "NotReadableError", Cause: err}
	}
	_ = f.Close()

	width, height, fps := resolveSettings(profile)

	// 厳密な解像度要求はサポート一覧と照合する
	if profile.Exact && !resolutionSupported(width, height) {
		return nil, &PlatformError{
			Name:  "OverconstrainedError",
			Cause: fmt.Errorf("解像度 %dx%d はサポートされていません", width, height),
		}
	}

	// 1フレームのテストキャプチャでデバイスの動作を確認する
	if err := testCapture(ctx, device, width, height); err != nil {
		return nil, &PlatformError{Name: "NotReadableError", Cause: err}
	}

	track := newV4L2Track(device, width, height, fps)
	track.start()

	return &v4l2Handle{
		id:    uuid.New().String(),
		track: track,
	}, nil
}

// resolveSettings はプロファイルから実際のキャプチャ設定を決定する
func resolveSettings(profile ConstraintProfile) (width, height, fps int) {
	width, height, fps = v4l2DefaultWidth, v4l2DefaultHeight, v4l2DefaultFPS
	if profile.Width > 0 {
		width = profile.Width
	}
	if profile.Height > 0 {
		height = profile.Height
	}
	if profile.FrameRate > 0 {
		fps = profile.FrameRate
	}
	return width, height, fps
}

// resolutionSupported は解像度がサポート一覧に含まれるかを返す
func resolutionSupported(width, height int) bool {
	for _, r := range v4l2SupportedResolutions {
		if r[0] == width && r[1] == height {
			return true
		}
	}
	return false
}

// deviceReadable はデバイスファイルが存在し読み取れるかをチェックする
func deviceReadable(device string) bool {
	if matched, _ := regexp.MatchString(`^/dev/video\d+$`, device); !matched {
		return false
	}

	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// deviceLabel はv4l2-ctlから実際のカメラ名を取得する
func deviceLabel(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err != nil {
		// フォールバック: デバイス番号から生成
		return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	// "Card type" の行からカメラ名を抽出
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
				return strings.TrimSpace(parts[1])
			}
		}
	}

	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	re := regexp.MustCompile(`video(\d+)`)
	matches := re.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// testCapture はffmpegで1フレームだけキャプチャして動作確認する
func testCapture(ctx context.Context, device string, width, height int) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", device,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-",
	)

	var stderr bytes.Buffer
	cmd.Stdout = &bytes.Buffer{}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("テストキャプチャに失敗: %w (stderr: %s)", err, stderr.String())
	}

	return nil
}

// v4l2Handle はV4L2デバイスのキャプチャハンドル
// 映像トラックを1本だけ持つ
type v4l2Handle struct {
	id    string
	track *v4l2Track
}

// ID はハンドルの識別子を返す
func (h *v4l2Handle) ID() string {
	return h.id
}

// Tracks は構成トラックを返す
func (h *v4l2Handle) Tracks() []Track {
	return []Track{h.track}
}

// Release は全トラックを停止する（冪等）
func (h *v4l2Handle) Release() {
	h.track.Stop()
}

// v4l2Track はffmpegの連続キャプチャを1本のトラックとして扱う
type v4l2Track struct {
	id     string
	device string
	width  int
	height int
	fps    int

	frames chan []byte
	done   chan struct{}

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// newV4L2Track は新しいv4l2Trackを作成する
func newV4L2Track(device string, width, height, fps int) *v4l2Track {
	return &v4l2Track{
		id:     uuid.New().String(),
		device: device,
		width:  width,
		height: height,
		fps:    fps,
		frames: make(chan []byte, 10),
		done:   make(chan struct{}),
	}
}

// start はキャプチャゴルーチンを起動する
func (t *v4l2Track) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
}

// ID はトラックの識別子を返す
func (t *v4l2Track) ID() string {
	return t.id
}

// Kind はトラック種別を返す
func (t *v4l2Track) Kind() string {
	return "video"
}

// Frames はフレームチャンネルを返す
func (t *v4l2Track) Frames() <-chan []byte {
	return t.frames
}

// Done はトラック終了チャンネルを返す
func (t *v4l2Track) Done() <-chan struct{} {
	return t.done
}

// Stop はトラックを明示的に停止する（冪等）
// doneはキャプチャゴルーチンの終了時にクローズされる
func (t *v4l2Track) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// run はffmpegの出力からJPEGフレームを切り出して配信する
// プロセスが終了したらフレームとdoneの両チャンネルをクローズする
func (t *v4l2Track) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.frames)

	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", t.width, t.height),
		"-r", strconv.Itoa(t.fps),
		"-i", t.device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return
	}

	if err := cmd.Start(); err != nil {
		return
	}

	defer func() {
		_ = cmd.Wait() // コンテキストキャンセル時のエラーは無視
	}()

	buffer := make([]byte, 1024*1024)
	frameBuffer := bytes.Buffer{}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stdout.Read(buffer)
		if err != nil {
			return
		}

		frameBuffer.Write(buffer[:n])
		t.extractFrames(ctx, &frameBuffer)
	}
}

// extractFrames はバッファからJPEGの開始・終了マーカーで完全なフレームを切り出す
func (t *v4l2Track) extractFrames(ctx context.Context, frameBuffer *bytes.Buffer) {
	data := frameBuffer.Bytes()
	for {
		// JPEGの開始マーカー（FF D8）を探す
		startIdx := bytes.Index(data, []byte{0xFF, 0xD8})
		if startIdx == -1 {
			return
		}

		// JPEGの終了マーカー（FF D9）を探す
		endIdx := bytes.Index(data[startIdx+2:], []byte{0xFF, 0xD9})
		if endIdx == -1 {
			// 完全なフレームがまだない
			if startIdx > 0 {
				rest := data[startIdx:]
				frameBuffer.Reset()
				frameBuffer.Write(rest)
			}
			return
		}

		endIdx += startIdx + 2 + 2 // マーカーのサイズを含める
		frame := make([]byte, endIdx-startIdx)
		copy(frame, data[startIdx:endIdx])

		// チャンネルがフルの場合は古いフレームを破棄する
		select {
		case t.frames <- frame:
		case <-ctx.Done():
			return
		default:
			select {
			case <-t.frames:
			default:
			}
			select {
			case t.frames <- frame:
			case <-ctx.Done():
				return
			}
		}

		remaining := data[endIdx:]
		frameBuffer.Reset()
		if len(remaining) == 0 {
			return
		}
		frameBuffer.Write(remaining)
		data = frameBuffer.Bytes()
	}
}

// MockAcquireOutcome はモックの1回分の取得結果
type MockAcquireOutcome struct {
	Handle *MockCaptureHandle
	Err    error
}

// MockMediaProvider はテスト用のMediaProvider実装
// 取得結果を試行順に指定でき、gateで取得の完了を保留できる
type MockMediaProvider struct {
	mu       sync.Mutex
	outcomes []MockAcquireOutcome
	attempts int
	profiles []ConstraintProfile
	devices  []DeviceRecord
	gate     chan struct{} // 非nilの場合、クローズされるまで取得を保留する
}

// NewMockMediaProvider は新しいMockMediaProviderを作成する
func NewMockMediaProvider() *MockMediaProvider {
	return &MockMediaProvider{}
}

// SetOutcomes は試行ごとの結果を設定する
// 結果が尽きた後の試行は新しいハンドルで成功する
func (m *MockMediaProvider) SetOutcomes(outcomes ...MockAcquireOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = outcomes
}

// SetDevices は列挙結果を設定する
func (m *MockMediaProvider) SetDevices(devices ...DeviceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// SetGate は取得をクローズまで保留するチャンネルを設定する
func (m *MockMediaProvider) SetGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

// Attempts は取得試行回数を返す
func (m *MockMediaProvider) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Profiles は試行に使われたプロファイルを順に返す
func (m *MockMediaProvider) Profiles() []ConstraintProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ConstraintProfile, len(m.profiles))
	copy(result, m.profiles)
	return result
}

// Acquire はモックの取得を実行する
func (m *MockMediaProvider) Acquire(ctx context.Context, profile ConstraintProfile) (CaptureHandle, error) {
	m.mu.Lock()
	idx := m.attempts
	m.attempts++
	m.profiles = append(m.profiles, profile)
	gate := m.gate
	var outcome MockAcquireOutcome
	if idx < len(m.outcomes) {
		outcome = m.outcomes[idx]
	} else {
		outcome = MockAcquireOutcome{Handle: NewMockCaptureHandle(1)}
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Handle == nil {
		outcome.Handle = NewMockCaptureHandle(1)
	}
	return outcome.Handle, nil
}

// EnumerateDevices はモックの列挙結果を返す
func (m *MockMediaProvider) EnumerateDevices(_ context.Context) ([]DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]DeviceRecord, len(m.devices))
	copy(result, m.devices)
	return result, nil
}

// MockCaptureHandle はテスト用のCaptureHandle実装
type MockCaptureHandle struct {
	id     string
	tracks []*MockTrack

	mu       sync.Mutex
	releases int
}

// NewMockCaptureHandle は指定本数のモックトラックを持つハンドルを作成する
func NewMockCaptureHandle(trackCount int) *MockCaptureHandle {
	h := &MockCaptureHandle{id: uuid.New().String()}
	for i := 0; i < trackCount; i++ {
		h.tracks = append(h.tracks, NewMockTrack())
	}
	return h
}

// ID はハンドルの識別子を返す
func (h *MockCaptureHandle) ID() string {
	return h.id
}

// Tracks は構成トラックを返す
func (h *MockCaptureHandle) Tracks() []Track {
	tracks := make([]Track, len(h.tracks))
	for i, tr := range h.tracks {
		tracks[i] = tr
	}
	return tracks
}

// Release は全トラックを停止し、呼び出し回数を記録する
func (h *MockCaptureHandle) Release() {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()

	for _, tr := range h.tracks {
		tr.Stop()
	}
}

// Releases はReleaseの呼び出し回数を返す
func (h *MockCaptureHandle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

// MockTracks はモックトラックを具象型のまま返す
func (h *MockCaptureHandle) MockTracks() []*MockTrack {
	return h.tracks
}

// MockTrack はテスト用のTrack実装
type MockTrack struct {
	id     string
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewMockTrack は新しいMockTrackを作成する
func NewMockTrack() *MockTrack {
	return &MockTrack{
		id:     uuid.New().String(),
		frames: make(chan []byte, 10),
		done:   make(chan struct{}),
	}
}

// ID はトラックの識別子を返す
func (t *MockTrack) ID() string {
	return t.id
}

// Kind はトラック種別を返す
func (t *MockTrack) Kind() string {
	return "video"
}

// Frames はフレームチャンネルを返す
func (t *MockTrack) Frames() <-chan []byte {
	return t.frames
}

// Done はトラック終了チャンネルを返す
func (t *MockTrack) Done() <-chan struct{} {
	return t.done
}

// Stop はトラックを停止する（冪等）
func (t *MockTrack) Stop() {
	t.once.Do(func() {
		close(t.done)
	})
}

// EndUnexpectedly はテスト用に予期しない終了を発生させる
func (t *MockTrack) EndUnexpectedly() {
	t.Stop()
}

// PushFrame はテスト用にフレームを投入する
func (t *MockTrack) PushFrame(frame []byte) {
	select {
	case t.frames <- frame:
	default:
	}
}
