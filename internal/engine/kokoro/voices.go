package kokoro

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultSpeakers is the speaker table of the Kokoro v1.0 multi-lingual
// release (voices.bin order).
var defaultSpeakers = []string{
	"af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore",
	"af_nicole", "af_nova", "af_river", "af_sarah", "af_sky",
	"am_adam", "am_echo", "am_eric", "am_fenrir", "am_liam", "am_michael",
	"am_onyx", "am_puck", "am_santa",
	"bf_alice", "bf_emma", "bf_isabella", "bf_lily",
	"bm_daniel", "bm_fable", "bm_george", "bm_lewis",
	"ef_dora", "em_alex", "ff_siwis",
	"hf_alpha", "hf_beta", "hm_omega", "hm_psi",
	"if_sara", "im_nicola",
	"jf_alpha", "jf_gongitsune", "jf_nezumi", "jf_tebukuro", "jm_kumo",
	"pf_dora", "pm_alex", "pm_santa",
	"zf_xiaobei", "zf_xiaoni", "zf_xiaoxiao", "zf_xiaoyi",
	"zm_yunjian", "zm_yunxi", "zm_yunxia", "zm_yunyang",
}

// Voices maps voice names to speaker ids.
type Voices map[string]int

// NewVoices returns the built-in table merged with overrides.
func NewVoices(overrides map[string]int) Voices {
	v := make(Voices, len(defaultSpeakers)+len(overrides))
	for id, name := range defaultSpeakers {
		v[name] = id
	}
	for name, id := range overrides {
		v[strings.TrimSpace(name)] = id
	}
	return v
}

// Resolve returns the speaker id for a voice name. A bare integer is taken
// as an id directly and checked against numSpeakers when it is positive.
func (v Voices) Resolve(voice string, numSpeakers int) (int, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return 0, fmt.Errorf("voice is empty")
	}
	id, ok := v[voice]
	if !ok {
		n, err := strconv.Atoi(voice)
		if err != nil {
			return 0, fmt.Errorf("unknown voice %q", voice)
		}
		id = n
	}
	if id < 0 || (numSpeakers > 0 && id >= numSpeakers) {
		return 0, fmt.Errorf("voice %q maps to speaker %d outside model range", voice, id)
	}
	return id, nil
}
