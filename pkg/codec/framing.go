package codec

import "encoding/base64"

// UlawBase64ToPCM24kBase64 implements the inbound composite conversion:
// base64 µ-law (8 kHz) -> base64 PCM16 (24 kHz). Used on the
// telephony-to-AI path (§4.5 rule 1).
func UlawBase64ToPCM24kBase64(ulawB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ulawB64)
	if err != nil {
		return "", err
	}
	pcm8k := DecodeMuLaw(raw)
	pcm24k := Resample8kTo24k(pcm8k)
	return base64.StdEncoding.EncodeToString(PCM16ToBytes(pcm24k)), nil
}

// PCM24kBase64ToUlawBase64 implements the outbound composite conversion:
// base64 PCM16 (24 kHz) -> base64 µ-law (8 kHz). Used on the AI-to-telephony
// path (§4.5 rule 2).
func PCM24kBase64ToUlawBase64(pcm24kB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(pcm24kB64)
	if err != nil {
		return "", err
	}
	pcm24k := BytesToPCM16(raw)
	pcm8k := Resample24kTo8k(pcm24k)
	return base64.StdEncoding.EncodeToString(EncodeMuLaw(pcm8k)), nil
}
