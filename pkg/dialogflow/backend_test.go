package dialogflow

import (
	"testing"

	"cloud.google.com/go/dialogflow/apiv2beta1/dialogflowpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/connector"
)

func TestInitialRequest_EventInput(t *testing.T) {
	req := initialRequest("projects/p/agent/sessions/abc", connector.StreamConfig{
		SampleRate:         16000,
		OutputSampleRate:   8000,
		LanguageCode:       "en-US",
		Codec:              "slin16",
		InitialEventName:   "welcome",
		EnableOutputSpeech: true,
	})

	assert.Equal(t, "projects/p/agent/sessions/abc", req.Session)

	event := req.QueryInput.GetEvent()
	require.NotNil(t, event, "initiating event must be carried as event input")
	assert.Equal(t, "welcome", event.Name)
	assert.Equal(t, "en-US", event.LanguageCode)
	assert.Nil(t, req.QueryInput.GetAudioConfig())

	// Output audio is requested at its own rate, not the capture rate:
	// playback toward the caller happens at 8kHz.
	require.NotNil(t, req.OutputAudioConfig)
	assert.Equal(t, dialogflowpb.OutputAudioEncoding_OUTPUT_AUDIO_ENCODING_LINEAR_16, req.OutputAudioConfig.AudioEncoding)
	assert.Equal(t, int32(8000), req.OutputAudioConfig.SampleRateHertz)
}

func TestInitialRequest_AudioInput(t *testing.T) {
	req := initialRequest("projects/p/agent/sessions/abc", connector.StreamConfig{
		SampleRate:   16000,
		LanguageCode: "en-US",
		Codec:        "slin16",
	})

	ac := req.QueryInput.GetAudioConfig()
	require.NotNil(t, ac)
	assert.Equal(t, dialogflowpb.AudioEncoding_AUDIO_ENCODING_LINEAR_16, ac.AudioEncoding)
	assert.Equal(t, int32(16000), ac.SampleRateHertz)
	assert.True(t, ac.SingleUtterance)
	assert.Nil(t, req.OutputAudioConfig, "no synthesized speech requested")
}

func TestInitialRequest_UlawEncodings(t *testing.T) {
	req := initialRequest("projects/p/agent/sessions/abc", connector.StreamConfig{
		SampleRate:         8000,
		OutputSampleRate:   8000,
		LanguageCode:       "en-US",
		Codec:              "ulaw",
		EnableOutputSpeech: true,
	})

	assert.Equal(t, dialogflowpb.AudioEncoding_AUDIO_ENCODING_MULAW, req.QueryInput.GetAudioConfig().AudioEncoding)
	assert.Equal(t, dialogflowpb.OutputAudioEncoding_OUTPUT_AUDIO_ENCODING_MULAW, req.OutputAudioConfig.AudioEncoding)
}

func TestSessionPath(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	b := &Backend{project: "my-proj", log: logrus.NewEntry(log)}
	s := b.Session("chan-42")
	assert.Equal(t, "projects/my-proj/agent/sessions/chan-42", s.path)
}

func TestMapResponse(t *testing.T) {
	t.Run("interim transcript", func(t *testing.T) {
		resp := mapResponse(&dialogflowpb.StreamingDetectIntentResponse{
			RecognitionResult: &dialogflowpb.StreamingRecognitionResult{
				MessageType: dialogflowpb.StreamingRecognitionResult_TRANSCRIPT,
				Transcript:  "book a",
				Confidence:  0.5,
			},
		})
		require.NotNil(t, resp)
		require.NotNil(t, resp.Recognition)
		assert.Equal(t, "book a", resp.Recognition.Transcript)
		assert.False(t, resp.Recognition.IsFinal)
	})

	t.Run("utterance boundary marker is skipped", func(t *testing.T) {
		resp := mapResponse(&dialogflowpb.StreamingDetectIntentResponse{
			RecognitionResult: &dialogflowpb.StreamingRecognitionResult{
				MessageType: dialogflowpb.StreamingRecognitionResult_END_OF_SINGLE_UTTERANCE,
			},
		})
		assert.Nil(t, resp)
	})

	t.Run("query result with intent and audio", func(t *testing.T) {
		params, err := structpb.NewStruct(map[string]any{
			"room":  "1000",
			"count": 2,
		})
		require.NoError(t, err)

		resp := mapResponse(&dialogflowpb.StreamingDetectIntentResponse{
			QueryResult: &dialogflowpb.QueryResult{
				QueryText:       "transfer me",
				FulfillmentText: "transferring you now",
				Parameters:      params,
				Intent: &dialogflowpb.Intent{
					Name:           "projects/p/agent/intents/1",
					DisplayName:    "transfer",
					EndInteraction: true,
				},
			},
			OutputAudio: []byte{0x01, 0x02},
		})
		require.NotNil(t, resp)
		require.NotNil(t, resp.Result)
		assert.Equal(t, "transfer me", resp.Result.QueryText)
		assert.Equal(t, "transferring you now", resp.Result.FulfillmentText)
		require.NotNil(t, resp.Result.Intent)
		assert.True(t, resp.Result.Intent.EndInteraction)
		assert.Equal(t, "transfer", resp.Result.Intent.DisplayName)
		assert.Equal(t, map[string]string{"room": "1000", "count": "2"}, resp.Result.Parameters)
		assert.Equal(t, []byte{0x01, 0x02}, resp.OutputAudio)
	})

	t.Run("empty message", func(t *testing.T) {
		assert.Nil(t, mapResponse(&dialogflowpb.StreamingDetectIntentResponse{}))
	})
}

func TestFlattenParameters_Empty(t *testing.T) {
	assert.Nil(t, flattenParameters(nil))
	assert.Nil(t, flattenParameters(&structpb.Struct{}))
}
