// Package dialogflow implements the connector backend on Google
// Dialogflow ES streaming detect-intent (v2beta1).
package dialogflow

import (
	"context"
	"fmt"

	df "cloud.google.com/go/dialogflow/apiv2beta1"
	"cloud.google.com/go/dialogflow/apiv2beta1/dialogflowpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/connector"
)

// Config selects the Dialogflow agent and its credentials.
type Config struct {
	// Project is the Google Cloud project ID hosting the agent.
	Project string

	// CredentialsFile is a service-account JSON key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// Backend wraps one shared sessions client. It is safe for use by any
// number of concurrent calls; derive a per-call connector backend with
// Session.
type Backend struct {
	project  string
	sessions *df.SessionsClient
	log      *logrus.Entry
}

// NewBackend dials the Dialogflow sessions API.
func NewBackend(ctx context.Context, cfg Config, log *logrus.Entry) (*Backend, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("dialogflow: project is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	sessions, err := df.NewSessionsClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialogflow: create sessions client: %w", err)
	}

	return &Backend{
		project:  cfg.Project,
		sessions: sessions,
		log:      log.WithField("component", "dialogflow"),
	}, nil
}

// Close releases the shared client.
func (b *Backend) Close() error {
	return b.sessions.Close()
}

// Session binds the shared client to one conversation. All stream
// instances opened through the returned backend share the same
// Dialogflow session, so agent context survives stream rotation.
func (b *Backend) Session(id string) *Session {
	return &Session{
		backend: b,
		path:    fmt.Sprintf("projects/%s/agent/sessions/%s", b.project, id),
		log:     b.log.WithField("session", id),
	}
}

// Session is a per-call view of the backend.
type Session struct {
	backend *Backend
	path    string
	log     *logrus.Entry
}

// OpenStream starts one streaming detect-intent call and sends its
// configuration message.
func (s *Session) OpenStream(ctx context.Context, cfg connector.StreamConfig) (connector.Instance, error) {
	ctx, cancel := context.WithCancel(ctx)

	sdi, err := s.backend.sessions.StreamingDetectIntent(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dialogflow: open stream: %w", err)
	}

	if err := sdi.Send(initialRequest(s.path, cfg)); err != nil {
		cancel()
		return nil, fmt.Errorf("dialogflow: send stream config: %w", err)
	}

	s.log.WithField("event", cfg.InitialEventName).Debug("detect-intent stream opened")
	return &stream{sdi: sdi, cancel: cancel}, nil
}

// initialRequest builds the first message of a stream. The query input
// is a oneof: an instance started from a named event carries the event,
// every other instance carries the audio configuration.
func initialRequest(path string, cfg connector.StreamConfig) *dialogflowpb.StreamingDetectIntentRequest {
	req := &dialogflowpb.StreamingDetectIntentRequest{Session: path}

	if cfg.InitialEventName != "" {
		req.QueryInput = &dialogflowpb.QueryInput{
			Input: &dialogflowpb.QueryInput_Event{
				Event: &dialogflowpb.EventInput{
					Name:         cfg.InitialEventName,
					LanguageCode: cfg.LanguageCode,
				},
			},
		}
	} else {
		req.QueryInput = &dialogflowpb.QueryInput{
			Input: &dialogflowpb.QueryInput_AudioConfig{
				AudioConfig: &dialogflowpb.InputAudioConfig{
					AudioEncoding:   inputEncoding(cfg.Codec),
					SampleRateHertz: int32(cfg.SampleRate),
					LanguageCode:    cfg.LanguageCode,
					SingleUtterance: true,
				},
			},
		}
	}

	if cfg.EnableOutputSpeech {
		req.OutputAudioConfig = &dialogflowpb.OutputAudioConfig{
			AudioEncoding:   outputEncoding(cfg.Codec),
			SampleRateHertz: int32(cfg.OutputSampleRate),
		}
	}
	return req
}

func inputEncoding(codec string) dialogflowpb.AudioEncoding {
	if codec == "ulaw" {
		return dialogflowpb.AudioEncoding_AUDIO_ENCODING_MULAW
	}
	return dialogflowpb.AudioEncoding_AUDIO_ENCODING_LINEAR_16
}

func outputEncoding(codec string) dialogflowpb.OutputAudioEncoding {
	if codec == "ulaw" {
		return dialogflowpb.OutputAudioEncoding_OUTPUT_AUDIO_ENCODING_MULAW
	}
	return dialogflowpb.OutputAudioEncoding_OUTPUT_AUDIO_ENCODING_LINEAR_16
}

// stream is one physical detect-intent stream.
type stream struct {
	sdi    dialogflowpb.Sessions_StreamingDetectIntentClient
	cancel context.CancelFunc
}

func (s *stream) Send(audio []byte) error {
	return s.sdi.Send(&dialogflowpb.StreamingDetectIntentRequest{InputAudio: audio})
}

func (s *stream) CloseSend() error {
	return s.sdi.CloseSend()
}

// Recv maps the next meaningful backend message. Utterance-boundary
// markers without a transcript are skipped.
func (s *stream) Recv() (*connector.Response, error) {
	for {
		msg, err := s.sdi.Recv()
		if err != nil {
			return nil, err
		}
		if resp := mapResponse(msg); resp != nil {
			return resp, nil
		}
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func mapResponse(msg *dialogflowpb.StreamingDetectIntentResponse) *connector.Response {
	resp := &connector.Response{}

	if rr := msg.GetRecognitionResult(); rr != nil &&
		rr.GetMessageType() == dialogflowpb.StreamingRecognitionResult_TRANSCRIPT {
		resp.Recognition = &connector.Recognition{
			Transcript: rr.GetTranscript(),
			IsFinal:    rr.GetIsFinal(),
			Confidence: rr.GetConfidence(),
		}
	}

	if qr := msg.GetQueryResult(); qr != nil {
		result := &connector.Result{
			QueryText:       qr.GetQueryText(),
			FulfillmentText: qr.GetFulfillmentText(),
			Parameters:      flattenParameters(qr.GetParameters()),
		}
		if in := qr.GetIntent(); in != nil {
			result.Intent = &connector.Intent{
				Name:           in.GetName(),
				DisplayName:    in.GetDisplayName(),
				EndInteraction: in.GetEndInteraction(),
			}
		}
		resp.Result = result
	}

	if audio := msg.GetOutputAudio(); len(audio) > 0 {
		resp.OutputAudio = audio
	}

	if resp.Recognition == nil && resp.Result == nil && len(resp.OutputAudio) == 0 {
		return nil
	}
	return resp
}

// flattenParameters renders intent parameters as strings for transport
// on the events topic.
func flattenParameters(s *structpb.Struct) map[string]string {
	fields := s.GetFields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			out[k] = kind.StringValue
		default:
			out[k] = fmt.Sprint(v.AsInterface())
		}
	}
	return out
}
