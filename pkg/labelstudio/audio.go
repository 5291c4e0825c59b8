package labelstudio

import (
	"path"
	"strings"
)

// ResolveAudioPath maps a backend data path onto the local filesystem under
// the configured media root. The backend serves uploads at /data/media/ and
// other artifacts at /data/, both of which live under the media root on
// disk.
func ResolveAudioPath(mediaRoot, audioPath string) string {
	switch {
	case strings.HasPrefix(audioPath, "/data/media/"):
		return path.Join(mediaRoot, "media", strings.TrimPrefix(audioPath, "/data/media/"))
	case strings.HasPrefix(audioPath, "/data/"):
		return path.Join(mediaRoot, strings.TrimPrefix(audioPath, "/data/"))
	default:
		return path.Join(mediaRoot, "media", audioPath)
	}
}

// ContentTypeForPath maps an audio file extension to its MIME type,
// defaulting to audio/mpeg.
func ContentTypeForPath(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	case ".opus":
		return "audio/opus"
	default:
		return "audio/mpeg"
	}
}
